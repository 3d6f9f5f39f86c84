package main

import (
	"bytes"
	"context"
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/themegpt/themegpt/internal/entitlement"
	"github.com/themegpt/themegpt/internal/store"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	t.Setenv("THEMEGPT_DATA_DIR", "")
	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

var keyLine = regexp.MustCompile(`Key: (KEY-[0-9A-HJKMNP-TV-Z]{8})`)

func TestVersionCmd(t *testing.T) {
	oldVersion, oldBuild, oldCommit := Version, BuildTime, GitCommit
	t.Cleanup(func() { Version, BuildTime, GitCommit = oldVersion, oldBuild, oldCommit })

	Version, BuildTime, GitCommit = "1.2.3", "2030-01-01", "abcdef"
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "ThemeGPT 1.2.3")
	assert.Contains(t, out, "Built: 2030-01-01")
	assert.Contains(t, out, "Commit: abcdef")

	BuildTime, GitCommit = "unknown", "unknown"
	out, err = execute(t, "version")
	require.NoError(t, err)
	assert.NotContains(t, out, "Built:")
}

func TestLicenseIssueAndShow(t *testing.T) {
	dir := t.TempDir()

	out, err := execute(t, "license", "issue", "--data-dir", dir, "--type", "subscription", "--max-slots", "5")
	require.NoError(t, err)
	m := keyLine.FindStringSubmatch(out)
	require.Len(t, m, 2, out)
	assert.Contains(t, out, `"maxSlots": 5`)

	out, err = execute(t, "license", "show", "--data-dir", dir, m[1])
	require.NoError(t, err)
	assert.Contains(t, out, "Linked: no")
	assert.Contains(t, out, `"type": "subscription"`)

	st, err := store.NewSQLiteStore(dir)
	require.NoError(t, err)
	defer st.Close()
	l, err := st.GetLicense(context.Background(), m[1])
	require.NoError(t, err)
	require.NotNil(t, l)
	slots, ok := l.Slots()
	require.True(t, ok)
	assert.Equal(t, 5, slots.MaxSlots)
}

func TestLicenseIssueSingle(t *testing.T) {
	dir := t.TempDir()

	out, err := execute(t, "license", "issue", "--data-dir", dir, "--type", "single", "--theme", "dracula", "--theme", "dracula")
	require.NoError(t, err)
	assert.Contains(t, out, `"permanentlyUnlocked": [`)
	assert.Contains(t, out, `"dracula"`)
}

func TestLicenseIssueRejectsBadInput(t *testing.T) {
	dir := t.TempDir()

	cases := [][]string{
		{"--type", "single"},
		{"--type", "single", "--theme", "system"},
		{"--type", "subscription", "--max-slots", "0"},
		{"--type", "subscription", "--theme", "dracula"},
		{"--type", "lifetime"},
	}
	for _, args := range cases {
		_, err := execute(t, append([]string{"license", "issue", "--data-dir", dir}, args...)...)
		assert.Error(t, err, "args %v", args)
	}
}

func TestLicenseShowUnknownKey(t *testing.T) {
	_, err := execute(t, "license", "show", "--data-dir", t.TempDir(), "KEY-NOPE0000")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestBuildPlanDefaultsToSubscription(t *testing.T) {
	plan, err := buildPlan(" Subscription ", defaultMaxSlots, nil)
	require.NoError(t, err)
	assert.Equal(t, entitlement.SlotPlan{MaxSlots: 3}, plan)
}
