// SPDX-FileCopyrightText: 2026 Crystal contributors
//
// SPDX-License-Identifier: Apache-2.0

package shell

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crystal-archiver/crystal/pkg/project"
)

func runShell(t *testing.T, p *project.Project, script string) string {
	t.Helper()
	var out bytes.Buffer
	sh := New(p, strings.NewReader(script), &out)
	require.NoError(t, sh.Run())
	return out.String()
}

func TestShellListsEntities(t *testing.T) {
	p, err := project.Open(filepath.Join(t.TempDir(), "sh.crystalproj"), project.Options{})
	require.NoError(t, err)
	defer p.Close()

	r, err := p.CreateResource("https://example.com/")
	require.NoError(t, err)
	_, err = p.CreateRootResource("Home", r)
	require.NoError(t, err)
	_, err = p.CreateResourceGroup("All", "https://example.com/**", project.NoSource(), false)
	require.NoError(t, err)

	out := runShell(t, p, "ls\nroots\ngroups\nquit\n")
	assert.Contains(t, out, "https://example.com/")
	assert.Contains(t, out, `"Home"`)
	assert.Contains(t, out, "https://example.com/**")
	assert.Contains(t, out, "(1 members)")
}

func TestShellUnknownCommand(t *testing.T) {
	p, err := project.Open(filepath.Join(t.TempDir(), "sh.crystalproj"), project.Options{})
	require.NoError(t, err)
	defer p.Close()

	out := runShell(t, p, "frobnicate\nquit\n")
	assert.Contains(t, out, `unknown command "frobnicate"`)
}

func TestShellExitsOnEOF(t *testing.T) {
	p, err := project.Open(filepath.Join(t.TempDir(), "sh.crystalproj"), project.Options{})
	require.NoError(t, err)
	defer p.Close()

	runShell(t, p, "help\n")
}
