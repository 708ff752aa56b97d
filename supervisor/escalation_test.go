package supervisor

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPkexecWrap(t *testing.T) {
	wrapper := filepath.Join(t.TempDir(), "pkexec")
	require.NoError(t, os.WriteFile(wrapper, []byte("#!/bin/sh\nexec \"$@\"\n"), 0o755))

	p := &Pkexec{Path: wrapper, ForwardEnv: []string{"DISPLAY", "XAUTHORITY", "WAYLAND_DISPLAY"}}
	env := []string{"HOME=/home/u", "XAUTHORITY=/run/user/1000/xauth", "DISPLAY=:0", "DISPLAY=:1"}

	name, args, err := p.Wrap("/opt/runstate/engine", []string{"--log-level", "debug"}, env)
	require.NoError(t, err)
	assert.Equal(t, wrapper, name)
	require.Len(t, args, 6)
	assert.Equal(t, "env", filepath.Base(args[0]))
	assert.Equal(t, []string{"DISPLAY=:1", "XAUTHORITY=/run/user/1000/xauth", "/opt/runstate/engine", "--log-level", "debug"}, args[1:])
}

func TestPkexecWrapNothingToForward(t *testing.T) {
	wrapper := filepath.Join(t.TempDir(), "pkexec")
	require.NoError(t, os.WriteFile(wrapper, []byte("#!/bin/sh\nexec \"$@\"\n"), 0o755))

	p := &Pkexec{Path: wrapper, ForwardEnv: DefaultForwardEnv()}
	_, args, err := p.Wrap("/opt/runstate/engine", nil, []string{"HOME=/root"})
	require.NoError(t, err)
	assert.Equal(t, []string{"/opt/runstate/engine"}, args)
}

func TestPkexecWrapUnavailable(t *testing.T) {
	p := &Pkexec{Path: filepath.Join(t.TempDir(), "missing-pkexec")}
	_, _, err := p.Wrap("/opt/runstate/engine", nil, nil)
	assert.ErrorIs(t, err, ErrEscalationUnavailable)
}

func TestPkexecClassify(t *testing.T) {
	p := NewPkexec()
	cases := []struct {
		name    string
		code    int
		program string
		expErr  error
	}{
		{name: "dismissed", code: 126, program: "pkexec", expErr: ErrEscalationDeclined},
		{name: "not authorized", code: 127, program: "pkexec", expErr: ErrEscalationFailed},
		{name: "program unknown", code: 126, expErr: ErrEscalationDeclined},
		{name: "engine exit 126", code: 126, program: "runstate-engine"},
		{name: "env exit 127", code: 127, program: "env"},
		{name: "success", code: 0, program: "pkexec"},
		{name: "other code", code: 1, program: "pkexec"},
		{name: "signaled", code: -1},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			err := p.Classify(c.code, c.program)
			if c.expErr == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, c.expErr)
		})
	}
}

func TestPkexecClassifyLongWrapperName(t *testing.T) {
	p := &Pkexec{Path: "/usr/local/bin/pkexec-with-a-long-name"}
	assert.ErrorIs(t, p.Classify(126, "pkexec-with-a-l"), ErrEscalationDeclined)
}
