package dispatch

import (
	"net/http"
	"sort"
)

// Logical operation names accepted in SEND_MESSAGE.
const (
	OpChat          = "chat"
	OpAnalyzeImage  = "analyze_image"
	OpGenerateImage = "generate_image"
	OpGenerateMedia = "generate_media"
	OpAutofill      = "autofill"
	OpWalletBalance = "wallet_balance"
)

// Route is where an operation lands on the selected backend.
type Route struct {
	Method string `mapstructure:"method" yaml:"method"`
	Path   string `mapstructure:"path" yaml:"path"`
}

func defaultRoutes() map[string]Route {
	return map[string]Route{
		OpChat:          {Method: http.MethodPost, Path: "/api/chat"},
		OpAnalyzeImage:  {Method: http.MethodPost, Path: "/api/analyze-image"},
		OpGenerateImage: {Method: http.MethodPost, Path: "/api/generate-image"},
		OpGenerateMedia: {Method: http.MethodPost, Path: "/api/generate-media"},
		OpAutofill:      {Method: http.MethodPost, Path: "/api/autofill"},
		OpWalletBalance: {Method: http.MethodGet, Path: "/api/wallet/balance"},
	}
}

// Operations lists the registered operation names in sorted order.
func (d *Dispatcher) Operations() []string {
	names := make([]string, 0, len(d.routes))
	for name := range d.routes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (d *Dispatcher) route(name string) (string, Route, bool) {
	if name == "" {
		name = OpChat
	}
	r, ok := d.routes[name]
	return name, r, ok
}
