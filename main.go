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

// samlfed is a SAML 2.0 federation bridge. Users authenticate with one of
// the configured upstream identity providers, and samlfed issues
// assertions for them to the configured service providers, including
// coordinated single logout in both directions.
package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/c2FmZQ/samlfed/samlfed"
)

// Version is set with -ldflags="-X main.Version=${VERSION}"
var Version = "dev"

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	configFile := flag.String("config", "", "The config file name.")
	addrFlag := flag.String("addr", "localhost:8080", "The address to listen on.")
	versionFlag := flag.Bool("v", false, "Show the version.")
	shutdownGraceFlag := flag.Duration("shutdown-grace-period", time.Minute, "The shutdown grace period.")
	stdoutFlag := flag.Bool("stdout", false, "Log to STDOUT.")
	flag.Parse()

	if *versionFlag {
		os.Stdout.WriteString(Version + " " + runtime.Version() + " " + runtime.GOOS + "/" + runtime.GOARCH + "\n")
		return
	}
	if *stdoutFlag {
		log.SetOutput(os.Stdout)
	}
	if *configFile == "" {
		log.Fatal("--config must be set")
	}
	log.Printf("INF samlfed %s %s %s/%s", Version, runtime.Version(), runtime.GOOS, runtime.GOARCH)
	cfg, err := samlfed.ReadConfig(*configFile)
	if err != nil {
		log.Fatalf("ERR %v", err)
	}
	s, err := samlfed.New(cfg, newCookieSessions())
	if err != nil {
		log.Fatalf("FATAL %v", err)
	}
	httpServer := &http.Server{
		Addr:    *addrFlag,
		Handler: s,
	}
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("FATAL %v", err)
		}
	}()
	log.Printf("INF listening on %s", *addrFlag)
	go configLoop(ctx, s, *configFile)

	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT)
	signal.Notify(ch, syscall.SIGTERM)
	sig := <-ch
	log.Printf("INF Received signal %d (%s)", sig, sig)

	ctx, canc := context.WithTimeout(ctx, *shutdownGraceFlag)
	defer canc()
	httpServer.Shutdown(ctx)
	s.Shutdown()
}

func configLoop(ctx context.Context, s *samlfed.Server, file string) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(30 * time.Second):
		}
		cfg, err := samlfed.ReadConfig(file)
		if err != nil {
			log.Printf("ERR %v", err)
			continue
		}
		if err := s.Reconfigure(cfg); err != nil {
			log.Printf("ERR %v", err)
		}
	}
}
