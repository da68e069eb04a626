package extension

import (
	"testing"

	epyq "github.com/epcpower/goepyq"
	"github.com/stretchr/testify/assert"
)

type files struct {
	Default
	initialized bool
}

func (f *files) PostInit() error {
	f.initialized = true
	return nil
}

func (f *files) ReferencedFiles(cfg map[string]string) []string {
	return []string{cfg["scripting"]}
}

func TestRegistry(t *testing.T) {
	ext, err := New("")
	assert.Nil(t, err)
	assert.Nil(t, ext.PostInit())
	assert.Empty(t, ext.ReferencedFiles(nil))

	_, err = New("missing")
	assert.ErrorIs(t, err, epyq.ErrNotFound)

	instance := &files{}
	Register("files", func() Extension { return instance })
	assert.Contains(t, Available(), "files")
	ext, err = New("files")
	assert.Nil(t, err)
	assert.Nil(t, ext.PostInit())
	assert.True(t, instance.initialized)
	assert.Equal(t, []string{"script.py"}, ext.ReferencedFiles(map[string]string{"scripting": "script.py"}))
}
