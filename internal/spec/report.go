package spec

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/chansync-io/chansync-ce/internal/model"
)

// WriteAlternateEmails dumps the primary-to-alternate email mapping of
// the compiled specification when settings.alternate_emails_output
// names a path. Users without alternates are omitted.
func WriteAlternateEmails(s *model.Specification) error {
	path := s.Settings.AlternateEmailsOutput
	if path == "" {
		return nil
	}
	mapping := make(map[string][]string)
	for _, key := range s.UserKeys() {
		emails := s.Users[key].Emails()
		if len(emails) > 1 {
			mapping[emails[0]] = emails[1:]
		}
	}
	data, err := yaml.Marshal(mapping)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write alternate emails: %w", err)
	}
	return nil
}
