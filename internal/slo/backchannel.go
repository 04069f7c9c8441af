// MIT License
//
// Copyright (c) 2025 TTBT Enterprises LLC
// Copyright (c) 2025 Robin Thellend <rthellend@rthellend.com>
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in all
// copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
// SOFTWARE.

package slo

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/c2FmZQ/samlfed/internal/logout"
	"github.com/c2FmZQ/samlfed/internal/saml"
)

type backgroundJobs struct {
	wg sync.WaitGroup
}

func (b *backgroundJobs) run(f func()) {
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		f()
	}()
}

func (b *backgroundJobs) wait() {
	b.wg.Wait()
}

// dispatchBackchannel sends the logout request from the server, without
// involving the browser. Delivery is asynchronous; failures are logged
// and recorded but never reported to the user. The delivery outlives the
// caller's request, so it must not die with the request context; the
// client timeout bounds it instead.
func (o *Orchestrator) dispatchBackchannel(ctx context.Context, t Target) {
	ctx = context.WithoutCancel(ctx)
	o.bg.run(func() {
		if err := o.submitBackchannel(ctx, t); err != nil {
			o.logf("ERR backchannel logout to %s: %v", t.Provider.Name, err)
			o.recordEvent("logout_failed", fmt.Sprintf("Backchannel logout to %s failed: %v", t.Provider.Name, err))
			return
		}
		o.logf("INF backchannel logout to %s delivered", t.Provider.Name)
	})
}

func (o *Orchestrator) submitBackchannel(ctx context.Context, t Target) error {
	if err := o.limiter.Wait(ctx); err != nil {
		return err
	}
	signer, err := targetSigner(t)
	if err != nil {
		return err
	}
	raw, err := logout.BuildRequest(logoutRequestFor(t), signer, o.clock.Now())
	if err != nil {
		return err
	}
	form := url.Values{"SAMLRequest": []string{saml.EncodePost(raw)}}
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, t.Provider.SLSURL, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	resp, err := o.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode >= 400 {
		return fmt.Errorf("%s returned %s", t.Provider.SLSURL, resp.Status)
	}
	return nil
}
