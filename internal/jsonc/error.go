package jsonc

import "fmt"

// ConfigError reports a JSONC document that failed to parse, with the
// byte offset into the (comment-stripped) document where the failure
// was detected.
type ConfigError struct {
	Position int64
	Reason   string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config error at byte %d: %s", e.Position, e.Reason)
}
