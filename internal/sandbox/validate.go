package sandbox

import (
	"fmt"
	"regexp"

	"github.com/RactorLabs/ractor/internal/domain"
)

const (
	maxTags        = 16
	maxTagLength   = 64
	maxDescription = 2048
)

// Tags are lowercase path-ish labels: "team/payments", "env.staging".
var tagPattern = regexp.MustCompile(`^[a-z0-9/_.-]+$`)

// ValidateTags checks count, length, and charset of a tag set.
func ValidateTags(tags []string) error {
	if len(tags) > maxTags {
		return fmt.Errorf("%w: at most %d tags", domain.ErrValidation, maxTags)
	}
	for _, t := range tags {
		if t == "" || len(t) > maxTagLength {
			return fmt.Errorf("%w: tag length must be 1..%d", domain.ErrValidation, maxTagLength)
		}
		if !tagPattern.MatchString(t) {
			return fmt.Errorf("%w: tag %q: allowed characters are a-z 0-9 / _ . -", domain.ErrValidation, t)
		}
	}
	return nil
}

// ValidateIdleTimeout bounds-checks an explicit idle timeout.
func ValidateIdleTimeout(seconds int) error {
	if seconds < 1 || seconds > MaxIdleTimeoutSeconds {
		return fmt.Errorf("%w: idle_timeout_seconds must be 1..%d", domain.ErrValidation, MaxIdleTimeoutSeconds)
	}
	return nil
}

func validateDescription(desc string) error {
	if len(desc) > maxDescription {
		return fmt.Errorf("%w: description exceeds %d bytes", domain.ErrValidation, maxDescription)
	}
	return nil
}
