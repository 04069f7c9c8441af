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

package samlfed

import (
	"html/template"
	"net/http"

	"github.com/c2FmZQ/samlfed/internal/slo"
)

// formPost is one browser delivery: a plain redirect when URL is set,
// otherwise an auto-submitted form posting Param=Value to Action.
type formPost struct {
	URL        string
	Action     string
	Param      string
	Value      string
	RelayState string
}

var autoPostTemplate = template.Must(template.New("autopost").Parse(`<!DOCTYPE html>
<html>
<head><meta charset="utf-8"><title>Redirecting</title></head>
<body onload="document.forms[0].submit()">
<form method="POST" action="{{.Action}}">
<input type="hidden" name="{{.Param}}" value="{{.Value}}">
{{- if .RelayState}}
<input type="hidden" name="RelayState" value="{{.RelayState}}">
{{- end}}
<noscript><button type="submit">Continue</button></noscript>
</form>
</body>
</html>
`))

// The logout page loads every frame delivery concurrently in hidden
// iframes and performs the final navigation as soon as all of them have
// settled. POST deliveries submit a hidden form into a named iframe. The
// timeout is the backstop; a hung provider must not hold the logout
// hostage.
var logoutTemplate = template.Must(template.New("logout").Parse(`<!DOCTYPE html>
<html>
<head><meta charset="utf-8"><title>Logging out</title></head>
<body>
<p>Logging out&hellip;</p>
{{- range $i, $f := .Frames}}
{{- if $f.URL}}
<iframe class="frame" src="{{$f.URL}}" style="display:none"></iframe>
{{- else}}
<iframe class="frame" name="lo{{$i}}" style="display:none"></iframe>
<form class="frame" method="POST" action="{{$f.Action}}" target="lo{{$i}}">
<input type="hidden" name="{{$f.Param}}" value="{{$f.Value}}">
{{- if $f.RelayState}}
<input type="hidden" name="RelayState" value="{{$f.RelayState}}">
{{- end}}
</form>
{{- end}}
{{- end}}
{{- if not .Final.URL}}
<form id="final" method="POST" action="{{.Final.Action}}">
<input type="hidden" name="{{.Final.Param}}" value="{{.Final.Value}}">
{{- if .Final.RelayState}}
<input type="hidden" name="RelayState" value="{{.Final.RelayState}}">
{{- end}}
</form>
{{- end}}
<script>
var frames = document.querySelectorAll("iframe.frame");
var remaining = frames.length;
var done = false;
function finish() {
  if (done) return;
  done = true;
{{- if .Final.URL}}
  window.location.replace({{.Final.URL}});
{{- else}}
  document.getElementById("final").submit();
{{- end}}
}
frames.forEach(function(f) {
  f.addEventListener("load", function() {
    if (--remaining <= 0) finish();
  });
});
document.querySelectorAll("form.frame").forEach(function(f) { f.submit(); });
setTimeout(finish, {{.TimeoutMS}});
</script>
</body>
</html>
`))

type logoutPageData struct {
	Frames    []formPost
	Final     formPost
	TimeoutMS int64
}

func (s *Server) renderAutoPost(w http.ResponseWriter, f formPost) error {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	return autoPostTemplate.Execute(w, f)
}

func hopForm(h slo.Hop) formPost {
	if h.Post() {
		return formPost{
			Action:     h.URL,
			Param:      "SAMLRequest",
			Value:      h.SAMLRequest,
			RelayState: h.RelayState,
		}
	}
	return formPost{URL: h.URL}
}

// renderLogout delivers the client-side part of a logout plan. When the
// plan includes a native redirect chain, final is demoted to an extra
// frame and the chain becomes the final navigation; only one delivery
// can own the top-level window.
func (s *Server) renderLogout(w http.ResponseWriter, req *http.Request, plan *slo.Plan, final formPost) {
	data := logoutPageData{Final: final, TimeoutMS: 0}
	if plan != nil {
		for _, f := range plan.Frames {
			data.Frames = append(data.Frames, hopForm(f))
		}
		data.TimeoutMS = plan.FrameTimeout.Milliseconds()
		if plan.Native != nil {
			data.Frames = append(data.Frames, data.Final)
			data.Final = hopForm(*plan.Native)
		}
	}
	if len(data.Frames) == 0 {
		if data.Final.URL != "" {
			http.Redirect(w, req, data.Final.URL, http.StatusFound)
			return
		}
		if err := s.renderAutoPost(w, data.Final); err != nil {
			s.logErrorF("ERR logout page: %v", err)
		}
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := logoutTemplate.Execute(w, data); err != nil {
		s.logErrorF("ERR logout page: %v", err)
	}
}
