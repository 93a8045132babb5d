// ABOUTME: Replay scripts: timed server frames loaded from YAML for offline sessions
// ABOUTME: Steps can wait for an outbound request before their frame is delivered

package replay

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/2389/ums-session/internal/auth"
)

// Script is a sequence of server frames.
type Script struct {
	Account string `yaml:"account"`
	Skill   string `yaml:"skill"`
	Steps   []Step `yaml:"steps"`
}

// Step delivers one frame, or closes the socket.
type Step struct {
	// Expect holds the step until the client has sent a request with this purpose.
	Expect string `yaml:"expect"`
	// Delay is applied after Expect is satisfied.
	Delay    time.Duration  `yaml:"-"`
	DelayRaw string         `yaml:"after"`
	Frame    map[string]any `yaml:"frame"`
	Raw      string         `yaml:"raw"`
	// Close, when set, ends the socket with this close code instead of a frame.
	Close  int    `yaml:"close"`
	Reason string `yaml:"reason"`

	data []byte
}

// Load reads and validates a YAML script.
func Load(path string) (*Script, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading script: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates a YAML script.
func Parse(data []byte) (*Script, error) {
	var s Script
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parsing script: %w", err)
	}
	if s.Account == "" {
		s.Account = "replay"
	}
	for i := range s.Steps {
		if err := s.Steps[i].prepare(); err != nil {
			return nil, fmt.Errorf("step %d: %w", i+1, err)
		}
	}
	return &s, nil
}

func (st *Step) prepare() error {
	if st.DelayRaw != "" {
		d, err := time.ParseDuration(st.DelayRaw)
		if err != nil {
			return fmt.Errorf("invalid after: %w", err)
		}
		st.Delay = d
	}

	switch {
	case st.Close != 0:
		return nil
	case st.Raw != "":
		if !json.Valid([]byte(st.Raw)) {
			return fmt.Errorf("raw frame is not valid JSON")
		}
		st.data = []byte(st.Raw)
	case st.Frame != nil:
		data, err := json.Marshal(st.Frame)
		if err != nil {
			return fmt.Errorf("encoding frame: %w", err)
		}
		st.data = data
	default:
		return fmt.Errorf("step needs frame, raw or close")
	}
	return nil
}

// Credential returns the offline credential a replay session connects with.
func (s *Script) Credential() *auth.Credential {
	return &auth.Credential{
		AccountID:  s.Account,
		Token:      "replay",
		Tier:       auth.TierUnauthenticated,
		ConsumerID: "replay-consumer",
		Domains: auth.Domains{
			auth.ServiceMessaging:   "ws://replay.invalid",
			auth.ServiceSecureForms: "https://forms.replay.invalid",
			auth.ServiceUpload:      "https://upload.replay.invalid",
		},
	}
}
