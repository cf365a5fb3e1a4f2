package main

import (
	"log"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/iodzaMonk/acquisitions/pkg/admission"
	"github.com/iodzaMonk/acquisitions/pkg/audit"
	"github.com/iodzaMonk/acquisitions/pkg/httpx"
	"github.com/iodzaMonk/acquisitions/pkg/stream"
)

type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.code = code
	r.ResponseWriter.WriteHeader(code)
}

func (srv *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, code: 200}
		next.ServeHTTP(rec, r)
		srv.Metrics.Observe(r.Method+" "+r.URL.Path, rec.code, time.Since(start))
	})
}

func (s *Server) limitRequestBodyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.MaxRequestBodyBytes > 0 && r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, s.MaxRequestBodyBytes)
		}
		next.ServeHTTP(w, r)
	})
}

// admissionMiddleware runs the gate ahead of every API handler. A denied
// request is answered here and never reaches business logic.
func (s *Server) admissionMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// The path arrives decoded from the router; the raw query does
		// not, so unescape it or encoded probes sail past the shield.
		query := r.URL.RawQuery
		if decoded, err := url.QueryUnescape(query); err == nil {
			query = decoded
		}
		d := admission.Descriptor{
			ClientKey:     s.clientIP(r),
			Method:        r.Method,
			Path:          r.URL.Path,
			Query:         query,
			UserAgent:     r.UserAgent(),
			AgentCategory: r.Header.Get("X-Agent-Category"),
		}
		verdict, err := s.Gate.Evaluate(r.Context(), d)
		if err != nil {
			// Only surfaced under fail-closed: the gate itself is down,
			// which is a server fault, never a client one.
			httpx.Error(w, http.StatusServiceUnavailable, "admission unavailable")
			return
		}
		if !verdict.Allowed {
			s.recordGateDenial(r, d, verdict)
			switch verdict.Rule {
			case admission.RuleWindow, admission.RuleBucket:
				w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds(verdict.RetryAfter)))
				httpx.Error(w, http.StatusTooManyRequests, "too many requests")
			default:
				httpx.Error(w, http.StatusForbidden, "forbidden")
			}
			return
		}
		s.Metrics.IncGateAllowed()
		next.ServeHTTP(w, r)
	})
}

// retryAfterSeconds rounds up so clients never retry inside the window.
func retryAfterSeconds(d time.Duration) int {
	if d <= 0 {
		return 1
	}
	secs := int((d + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return secs
}

func (s *Server) recordGateDenial(r *http.Request, d admission.Descriptor, verdict admission.Verdict) {
	s.Metrics.IncGateDenied(verdict.Rule)
	rec := audit.Record{
		Kind:      audit.KindGateDenied,
		Rule:      verdict.Rule,
		Reason:    verdict.Reason,
		ClientKey: d.ClientKey,
		Method:    d.Method,
		Path:      d.Path,
	}
	if s.Audit != nil {
		if err := s.Audit.Append(r.Context(), rec); err != nil {
			log.Printf("audit append failed: %v", err)
		}
	}
	s.publishSecurityEvent(r, stream.NewEvent(audit.KindGateDenied, rec))
}

func (s *Server) publishSecurityEvent(r *http.Request, evt stream.Event) {
	if s.Events != nil {
		s.Events.Publish(evt)
	}
	if s.Publisher != nil {
		if err := s.Publisher.Publish(r.Context(), evt); err != nil {
			log.Printf("event publish failed: %v", err)
		}
	}
}

func (s *Server) clientIP(r *http.Request) string {
	remoteIP := parseIP(r.RemoteAddr)
	if remoteIP == "" {
		remoteIP = r.RemoteAddr
	}
	if remoteIP != "" && s.isTrustedProxy(remoteIP) {
		if xff := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); xff != "" {
			parts := strings.Split(xff, ",")
			if len(parts) > 0 {
				candidate := parseIP(strings.TrimSpace(parts[0]))
				if candidate != "" {
					return candidate
				}
			}
		}
		if realIP := parseIP(strings.TrimSpace(r.Header.Get("X-Real-IP"))); realIP != "" {
			return realIP
		}
	}
	if remoteIP == "" {
		return "unknown"
	}
	return remoteIP
}

func (s *Server) isTrustedProxy(ipStr string) bool {
	if len(s.TrustedProxyCIDRs) == 0 {
		return false
	}
	ip := net.ParseIP(strings.TrimSpace(ipStr))
	if ip == nil {
		return false
	}
	for _, cidr := range s.TrustedProxyCIDRs {
		if cidr.Contains(ip) {
			return true
		}
	}
	return false
}

func parseIP(addr string) string {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return ""
	}
	if host, _, err := net.SplitHostPort(addr); err == nil && host != "" {
		return host
	}
	if net.ParseIP(addr) != nil {
		return addr
	}
	return ""
}
