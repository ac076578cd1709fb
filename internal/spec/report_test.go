package spec

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/chansync-io/chansync-ce/internal/model"
)

func TestWriteAlternateEmails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "alternates.yaml")

	ada := model.NewUser("ada@example.com")
	ada.SetAttr(model.AttrAlternateEmails, []string{"a.lovelace@example.com", "countess@example.com"})
	grace := model.NewUser("grace@example.com")

	s := &model.Specification{
		Users: map[string]*model.User{
			"ada@example.com":   ada,
			"grace@example.com": grace,
		},
		Settings: model.Settings{AlternateEmailsOutput: path},
	}
	require.NoError(t, WriteAlternateEmails(s))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var mapping map[string][]string
	require.NoError(t, yaml.Unmarshal(data, &mapping))
	assert.Equal(t, map[string][]string{
		"ada@example.com": {"a.lovelace@example.com", "countess@example.com"},
	}, mapping)
}

func TestWriteAlternateEmailsDisabled(t *testing.T) {
	s := &model.Specification{
		Users: map[string]*model.User{"ada@example.com": model.NewUser("ada@example.com")},
	}
	// No output path configured: nothing is written, nothing fails.
	require.NoError(t, WriteAlternateEmails(s))
}
