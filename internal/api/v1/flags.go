package v1

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
)

// Flags are the feature toggles shared by the proxy and the client
// pipeline.
type Flags struct {
	CanonicalEvents bool     `json:"canonicalEvents" doc:"Parse the canonical event format instead of the legacy flattened one"`
	EventFormat     string   `json:"eventFormat" doc:"Format name announced by the proxy"`
	Formats         []string `json:"formats" doc:"Registered event formats"`
}

type GetFlagsOutput struct {
	Body Flags
}

func RegisterFlagRoutes(api huma.API, flags Flags) {
	if flags.Formats == nil {
		flags.Formats = []string{}
	}

	huma.Register(api, huma.Operation{
		OperationID: "get-flags",
		Method:      http.MethodGet,
		Path:        "/flags",
		Summary:     "Get feature toggles",
		Tags:        []string{"Flags"},
	}, func(_ context.Context, _ *struct{}) (*GetFlagsOutput, error) {
		return &GetFlagsOutput{Body: flags}, nil
	})
}
