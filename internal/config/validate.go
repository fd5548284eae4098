package config

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
)

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func validatorInstance() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
		validate.RegisterStructValidation(configStructLevel, Config{})
	})
	return validate
}

// configStructLevel checks the cross-field rules the tags cannot express.
func configStructLevel(sl validator.StructLevel) {
	cfg := sl.Current().Interface().(Config)

	seen := make(map[string]struct{}, len(cfg.Targets))
	for i, t := range cfg.Targets {
		field := fmt.Sprintf("Targets[%d]", i)
		if _, dup := seen[t.Name]; dup {
			sl.ReportError(t.Name, field+".Name", "Name", "unique", "")
		}
		seen[t.Name] = struct{}{}

		if t.AuthRef != "" {
			if _, ok := cfg.Credentials.Entries[t.AuthRef]; !ok {
				sl.ReportError(t.AuthRef, field+".AuthRef", "AuthRef", "auth_ref_exists", "")
			}
		}
		if t.Transport == "udp" && (t.Secure || t.WebSocketPath != "") {
			sl.ReportError(t.Secure, field+".Secure", "Secure", "mqtt_only", "")
		}
	}
}

// Validate checks cfg and returns an error listing every violation.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	err := validatorInstance().Struct(cfg)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("validate config: %w", err)
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msg := fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag())
		if fe.Param() != "" {
			msg += " (" + fe.Param() + ")"
		}
		msgs = append(msgs, msg)
	}
	return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
}
