package providersig

import (
	"bytes"
	"io"
	"log/slog"
	"net/http"
)

// Middleware signs every response body together with its request body and
// sets the signature headers. Signing never fails the request: on error the
// response goes out unsigned.
//
// The response is buffered in full before anything is written downstream.
func Middleware(sign SignFunc, log *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var reqBody []byte
			if r.Body != nil {
				var err error
				reqBody, err = io.ReadAll(r.Body)
				r.Body.Close()
				if err != nil {
					log.Warn("Failed to read request body for signing", "err", err)
				}
				r.Body = io.NopCloser(bytes.NewReader(reqBody))
			}

			rec := &responseRecorder{
				ResponseWriter: w,
				body:           &bytes.Buffer{},
				statusCode:     http.StatusOK,
			}
			next.ServeHTTP(rec, r)

			resBody := rec.body.Bytes()
			result, err := sign(reqBody, resBody)
			if err != nil {
				log.Error("Failed to sign response", "err", err, "path", r.URL.Path)
			} else {
				w.Header().Set(HeaderSignature, result.Signature)
				w.Header().Set(HeaderTimestamp, result.Timestamp)
				w.Header().Set(HeaderKeyID, result.KeyID)
			}

			w.WriteHeader(rec.statusCode)
			if _, err := w.Write(resBody); err != nil {
				log.Debug("Failed to write signed response", "err", err)
			}
		})
	}
}

type responseRecorder struct {
	http.ResponseWriter
	body       *bytes.Buffer
	statusCode int
	wroteHead  bool
}

func (r *responseRecorder) WriteHeader(code int) {
	if !r.wroteHead {
		r.statusCode = code
		r.wroteHead = true
	}
}

func (r *responseRecorder) Write(b []byte) (int, error) {
	return r.body.Write(b)
}
