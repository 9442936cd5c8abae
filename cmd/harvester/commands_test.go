package main

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/entrhq/harvester/pkg/layout"
	"github.com/entrhq/harvester/pkg/operator"
	"github.com/entrhq/harvester/pkg/supervisor"
)

func TestCLIOptions_Layout(t *testing.T) {
	opts := &cliOptions{baseDir: "/work", outputDir: "/mnt/out"}
	l := opts.layout()

	assert.Equal(t, filepath.Join("/work", "accounts"), l.AccountsDir)
	assert.Equal(t, filepath.Join("/work", "configs"), l.ConfigsDir)
	assert.Equal(t, "/mnt/out", l.OutputDir)
}

func TestResolveConfig(t *testing.T) {
	base := t.TempDir()
	l := layout.Default(base)
	require.NoError(t, os.MkdirAll(l.ConfigsDir, 0o750))

	yamlPath := filepath.Join(l.ConfigsDir, "history.yaml")
	require.NoError(t, os.WriteFile(yamlPath, []byte("{}"), 0o600))

	loose := filepath.Join(base, "elsewhere.json")
	require.NoError(t, os.WriteFile(loose, []byte("{}"), 0o600))

	tests := []struct {
		name    string
		flag    string
		want    string
		wantErr bool
	}{
		{name: "by name", flag: "history", want: yamlPath},
		{name: "by file name", flag: "history.yaml", want: yamlPath},
		{name: "by path", flag: loose, want: loose},
		{name: "unknown", flag: "geography", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := resolveConfig(l, tt.flag)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestResolveAccount_RejectsBadFlag(t *testing.T) {
	l := layout.Default(t.TempDir())

	_, err := resolveAccount(l, "../escape")
	assert.Error(t, err)

	got, err := resolveAccount(l, "alice")
	require.NoError(t, err)
	assert.Equal(t, "alice", got)
}

func TestFormatUnits(t *testing.T) {
	tests := []struct {
		units []int
		want  string
	}{
		{[]int{4}, "4"},
		{[]int{1, 2, 3}, "1-3"},
		{[]int{1, 2, 3, 7, 9, 10}, "1-3, 7, 9-10"},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, formatUnits(tt.units))
		})
	}
}

func TestPickerModel(t *testing.T) {
	items := []pickItem{
		{title: "alice", desc: "stored session"},
		{title: "history", desc: "configs/history.yaml", value: "configs/history.yaml"},
	}

	t.Run("select second", func(t *testing.T) {
		var m tea.Model = newPickerModel("Select", items)
		m, _ = m.Update(tea.KeyMsg{Type: tea.KeyDown})
		m, cmd := m.Update(tea.KeyMsg{Type: tea.KeyEnter})

		pm := m.(pickerModel)
		assert.Equal(t, "configs/history.yaml", pm.choice)
		assert.False(t, pm.cancelled)
		assert.NotNil(t, cmd)
		assert.Empty(t, pm.View())
	})

	t.Run("cancel", func(t *testing.T) {
		var m tea.Model = newPickerModel("Select", items)
		m, _ = m.Update(tea.KeyMsg{Type: tea.KeyEsc})

		pm := m.(pickerModel)
		assert.True(t, pm.cancelled)
		assert.Empty(t, pm.choice)
	})
}

func TestInputModel_ValidatesRange(t *testing.T) {
	validate := func(s string) error {
		_, err := supervisor.ParseRange(s)
		return err
	}

	t.Run("invalid keeps prompting", func(t *testing.T) {
		var m tea.Model = newInputModel("Unit range", "", validate)
		m, _ = m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("10-3")})
		m, _ = m.Update(tea.KeyMsg{Type: tea.KeyEnter})

		im := m.(inputModel)
		assert.False(t, im.done)
		assert.Error(t, im.err)
		assert.Contains(t, im.View(), "before start")
	})

	t.Run("valid quits", func(t *testing.T) {
		var m tea.Model = newInputModel("Unit range", "", validate)
		m, _ = m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("3-10")})
		m, _ = m.Update(tea.KeyMsg{Type: tea.KeyEnter})

		im := m.(inputModel)
		assert.True(t, im.done)
		assert.Equal(t, "3-10", im.value)
	})
}

func TestBellOnRequest(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	r, w := io.Pipe()
	requests := make(chan operator.Request, 1)

	done := make(chan struct{})
	go func() {
		bellOnRequest(ctx, requests, w)
		close(done)
	}()

	requests <- operator.Request{Kind: operator.KindManualLogin}

	buf := make([]byte, 1)
	_, err := io.ReadFull(r, buf)
	require.NoError(t, err)
	assert.Equal(t, "\a", string(buf))

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("bellOnRequest did not stop")
	}
}
