package httpmw

import (
	"net/http"

	"github.com/go-chi/cors"
)

const (
	// Response headers.
	AccessControlAllowOriginHeader      = "Access-Control-Allow-Origin"
	AccessControlAllowCredentialsHeader = "Access-Control-Allow-Credentials"
	AccessControlAllowMethodsHeader     = "Access-Control-Allow-Methods"
	AccessControlAllowHeadersHeader     = "Access-Control-Allow-Headers"
	VaryHeader                          = "Vary"

	// Request headers.
	OriginHeader                      = "Origin"
	AccessControlRequestMethodHeader  = "Access-Control-Request-Method"
	AccessControlRequestHeadersHeader = "Access-Control-Request-Headers"
)

// Cors admits any origin.  The gallery serves public content to editors and
// browsers on hosts we cannot enumerate, including vscode-file:// origins
// from the desktop client.
func Cors() func(http.Handler) http.Handler {
	return cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{
			http.MethodHead,
			http.MethodGet,
			http.MethodPost,
			http.MethodPut,
			http.MethodPatch,
			http.MethodDelete,
		},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
		MaxAge:           300,
	})
}
