package dispatch

import (
	"encoding/json"
	"fmt"

	"homeline/internal/condition"
	"homeline/internal/domain"
)

// HandlerConfig is the per-handler configuration blob stored as JSON on the
// handler row. Which fields are required depends on the handler type; the
// union is validated whenever a handler is written.
type HandlerConfig struct {
	// notifications
	Template string `json:"template,omitempty"`
	To       string `json:"to,omitempty"`
	ToPath   string `json:"to_path,omitempty"`

	// webhooks
	URL            string `json:"url,omitempty"`
	Secret         string `json:"secret,omitempty"`
	TimeoutSeconds int    `json:"timeout_seconds,omitempty"`

	// workflow advancement
	PhaseIDPath string `json:"phase_id_path,omitempty"`

	// automations
	Automation string `json:"automation,omitempty"`

	// Params are copied into the handler input as-is; ParamPaths pull values
	// out of the event payload by dot path and win over Params on key clash.
	Params     map[string]any    `json:"params,omitempty"`
	ParamPaths map[string]string `json:"param_paths,omitempty"`
}

// ParseHandlerConfig decodes and validates a config blob for a handler type.
func ParseHandlerConfig(handlerType, raw string) (HandlerConfig, error) {
	var cfg HandlerConfig
	if raw == "" {
		raw = "{}"
	}
	if err := json.Unmarshal([]byte(raw), &cfg); err != nil {
		return cfg, fmt.Errorf("handler config: %w", err)
	}
	return cfg, cfg.validate(handlerType)
}

// ValidateHandlerConfig checks a config blob without keeping the result.
func ValidateHandlerConfig(handlerType, raw string) error {
	_, err := ParseHandlerConfig(handlerType, raw)
	return err
}

func (c HandlerConfig) validate(handlerType string) error {
	switch handlerType {
	case domain.HandlerSendEmail, domain.HandlerSendSMS, domain.HandlerSendPush:
		if c.Template == "" {
			return fmt.Errorf("%s handler requires template", handlerType)
		}
	case domain.HandlerCallWebhook:
		if c.URL == "" {
			return fmt.Errorf("%s handler requires url", handlerType)
		}
	case domain.HandlerAdvanceWorkflow:
		if c.PhaseIDPath == "" {
			return fmt.Errorf("%s handler requires phase_id_path", handlerType)
		}
	case domain.HandlerRunAutomation:
		if c.Automation == "" {
			return fmt.Errorf("%s handler requires automation", handlerType)
		}
	default:
		return fmt.Errorf("unknown handler type %s", handlerType)
	}
	return nil
}

// ResolveParams merges static params with values pulled from the payload.
// Missing paths are dropped rather than failing the handler.
func (c HandlerConfig) ResolveParams(payload map[string]any) map[string]any {
	params := map[string]any{}
	for k, v := range c.Params {
		params[k] = v
	}
	for k, path := range c.ParamPaths {
		if v, ok := condition.Resolve(payload, path); ok {
			params[k] = v
		}
	}
	return params
}
