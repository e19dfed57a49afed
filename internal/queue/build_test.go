package queue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/molequeue/internal/config"
	"github.com/ChuLiYu/molequeue/internal/eventloop"
	"github.com/ChuLiYu/molequeue/internal/jobmanager"
	"github.com/ChuLiYu/molequeue/internal/sshop"
)

func testEnv() Env {
	return Env{Loop: eventloop.New(), Store: jobmanager.NewJobManager()}
}

func TestBuildLocal(t *testing.T) {
	q, err := Build(config.QueueConfig{
		Name:  "local",
		Type:  config.TypeLocal,
		Cores: 4,
		Programs: []config.ProgramConfig{
			{Name: "sleep", Executable: "sleep", Arguments: "$$time$$"},
			{Name: "gamess", Executable: "rungms", LaunchSyntax: "input_arg"},
		},
	}, testEnv())
	require.NoError(t, err)

	local, ok := q.(*Local)
	require.True(t, ok)
	assert.Equal(t, 4, local.Cores())
	assert.Equal(t, []string{"gamess", "sleep"}, q.ProgramNames())

	p, ok := q.Program("gamess")
	require.True(t, ok)
	assert.Equal(t, SyntaxInputArg, p.Syntax)
}

func TestBuildRemote(t *testing.T) {
	q, err := Build(config.QueueConfig{
		Name:            "cluster",
		Type:            config.TypePBS,
		Host:            "hpc.example.org",
		Port:            2222,
		User:            "chem",
		Backend:         config.BackendOpenSSH,
		SubmitCommand:   "/opt/pbs/bin/qsub",
		UpdateInterval:  30 * time.Second,
		PendingInterval: time.Second,
	}, testEnv())
	require.NoError(t, err)

	remote, ok := q.(*Remote)
	require.True(t, ok)
	assert.Equal(t, "pbs", remote.Type())
	assert.Equal(t, DefaultRemoteWorkingDirectory, remote.workBase)
	assert.Equal(t, Commands{Submit: "/opt/pbs/bin/qsub", Status: "qstat", Kill: "qdel"}, remote.cmds)
	assert.True(t, remote.allowed[153])
	assert.Equal(t, 30*time.Second, remote.updateInterval)

	_, isProcess := remote.ops.(*sshop.Process)
	assert.True(t, isProcess)
	assert.Equal(t, "chem@hpc.example.org:2222", remote.ops.ConnectionString())
}

func TestBuildNativeRemote(t *testing.T) {
	q, err := Build(config.QueueConfig{
		Name:    "sge",
		Type:    config.TypeSGE,
		Host:    "grid",
		Backend: config.BackendNative,
	}, testEnv())
	require.NoError(t, err)

	remote := q.(*Remote)
	_, isNative := remote.ops.(*sshop.Native)
	assert.True(t, isNative)
	assert.Equal(t, "grid", remote.ops.ConnectionString())
}

func TestBuildErrors(t *testing.T) {
	tests := []struct {
		name string
		cfg  config.QueueConfig
	}{
		{"unknown type", config.QueueConfig{Name: "x", Type: "slurm"}},
		{"unknown backend", config.QueueConfig{Name: "x", Type: config.TypePBS, Host: "h", Backend: "telnet"}},
		{"bad syntax", config.QueueConfig{Name: "x", Programs: []config.ProgramConfig{{Name: "p", LaunchSyntax: "nope"}}}},
		{"duplicate program", config.QueueConfig{Name: "x", Programs: []config.ProgramConfig{{Name: "p"}, {Name: "p"}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Build(tt.cfg, testEnv())
			assert.Error(t, err)
		})
	}
}

func TestManager(t *testing.T) {
	env := testEnv()
	m := NewManager()

	a := NewLocal(LocalConfig{Name: "b-local"}, env.Store, env.Loop, nil)
	require.NoError(t, a.AddProgram(&Program{Name: "echo", Executable: "echo"}))
	f := newRemoteFixture(t, PBS{})

	require.NoError(t, m.Add(a))
	require.NoError(t, m.Add(f.remote))
	assert.ErrorIs(t, m.Add(a), ErrDuplicateQueue)

	q, ok := m.Lookup("cluster")
	require.True(t, ok)
	assert.Same(t, f.remote, q)
	_, ok = m.Lookup("nope")
	assert.False(t, ok)

	var names []string
	for _, q := range m.Queues() {
		names = append(names, q.Name())
	}
	assert.Equal(t, []string{"b-local", "cluster"}, names)

	list := m.QueueList()
	assert.Equal(t, []string{"echo"}, list["b-local"])
	assert.Equal(t, []string{"sleep"}, list["cluster"])

	require.NoError(t, m.Start())
	m.Stop()
	assert.True(t, f.ops.closed)
}
