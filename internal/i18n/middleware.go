package i18n

import "net/http"

// Middleware negotiates the response language from the lang query parameter and the
// Accept-Language header, falling back to the bundle default, and stores it in the
// request context.
func Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tag := Negotiate(r.URL.Query().Get("lang"), r.Header.Get("Accept-Language"))
			w.Header().Set("Content-Language", tag.String())
			next.ServeHTTP(w, r.WithContext(WithLanguage(r.Context(), tag)))
		})
	}
}
