package hub

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/majorcontext/envhub/internal/builder"
)

// HealthResponse is returned by GET /v1/health.
type HealthResponse struct {
	PID       int    `json:"pid"`
	Engine    string `json:"engine"` // "ok" or the ping error
	StartedAt string `json:"started_at"`
	Builds    int    `json:"builds_in_progress"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Status  int    `json:"status"`
	Message string `json:"message"`
}

// BuildRequest is the body of POST /v1/images.
type BuildRequest struct {
	Repo      string            `json:"repo"`
	Ref       string            `json:"ref"`
	Name      string            `json:"name"`
	Memory    Number            `json:"memory"`
	CPU       Number            `json:"cpu"`
	Username  string            `json:"username,omitempty"`
	Password  string            `json:"password,omitempty"`
	BuildArgs []string          `json:"build_args,omitempty"`
	Builder   string            `json:"builder_image,omitempty"`
	Env       map[string]string `json:"env,omitempty"`
	ImageName string            `json:"image_name,omitempty"`
	Optional  map[string]string `json:"optional,omitempty"`
}

func (r BuildRequest) toBuilder() builder.Request {
	return builder.Request{
		Repo:           strings.TrimSpace(r.Repo),
		Ref:            strings.TrimSpace(r.Ref),
		DisplayName:    r.Name,
		Memory:         float64(r.Memory),
		CPU:            float64(r.CPU),
		Username:       r.Username,
		Password:       r.Password,
		ExtraBuildArgs: r.BuildArgs,
		BuilderImage:   r.Builder,
		Env:            r.Env,
		ImageName:      r.ImageName,
		Optional:       r.Optional,
	}
}

// BuildResponse is returned by POST /v1/images.
type BuildResponse struct {
	ImageName string `json:"image_name"`
	Status    string `json:"status"`
}

// RemoveImageRequest is the body of DELETE /v1/images.
type RemoveImageRequest struct {
	Name string `json:"name"`
}

// StartSessionRequest is the body of POST /v1/sessions.
type StartSessionRequest struct {
	User  string            `json:"user"`
	Image string            `json:"image"`
	Env   map[string]string `json:"env,omitempty"`
}

// SetTokenRequest is the body of PUT /v1/tokens.
type SetTokenRequest struct {
	User  string `json:"user"`
	Repo  string `json:"repo"`
	Token string `json:"token"`
}

// Number is a float that also accepts a JSON string ("2", "") as form
// fields are often submitted that way. Empty means zero.
type Number float64

// UnmarshalJSON implements json.Unmarshaler.
func (n *Number) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*n = 0
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		s = strings.TrimSpace(s)
		if s == "" {
			*n = 0
			return nil
		}
		data = []byte(s)
	}
	f, err := strconv.ParseFloat(string(data), 64)
	if err != nil {
		return fmt.Errorf("%q is not a number", data)
	}
	*n = Number(f)
	return nil
}
