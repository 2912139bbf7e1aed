package svc

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsServiceMode(t *testing.T) {
	assert.True(t, IsServiceMode([]string{"datanode", "--service-run", "serve"}))
	assert.False(t, IsServiceMode([]string{"datanode", "serve"}))
}

func TestConfigPathFromArgs(t *testing.T) {
	assert.Equal(t, "/etc/dn.yaml", ConfigPathFromArgs([]string{"datanode", "--service-run", "serve", "--config", "/etc/dn.yaml"}))
	assert.Equal(t, "x.yaml", ConfigPathFromArgs([]string{"-c", "x.yaml"}))
	assert.Empty(t, ConfigPathFromArgs([]string{"--config"}))
}

func TestNewServiceConfig(t *testing.T) {
	cfg := NewServiceConfig("", "", "")
	assert.Equal(t, DefaultServiceName, cfg.Name)
	assert.Equal(t, DefaultConfigPath(), cfg.ConfigPath)

	cfg = NewServiceConfig("dn2", "/srv/dn2.yaml", "hdfs")
	assert.Equal(t, "dn2", cfg.Name)
	assert.Equal(t, "/srv/dn2.yaml", cfg.ConfigPath)

	sc := serviceManagerConfig(cfg)
	assert.Equal(t, "dn2", sc.Name)
	assert.Equal(t, []string{ServiceRunFlag, ServiceNameFlag, "dn2", "serve", "--config", "/srv/dn2.yaml"}, sc.Arguments)
	assert.Equal(t, "/srv/dn2.yaml", ConfigPathFromArgs(sc.Arguments))
	assert.Equal(t, "dn2", ServiceNameFromArgs(sc.Arguments))
}

func TestProgram_StartStop(t *testing.T) {
	var gotPath string
	prg := &Program{
		ConfigPath: "/etc/datanode/datanode.yaml",
		Run: func(ctx context.Context, configPath string) error {
			gotPath = configPath
			<-ctx.Done()
			return ctx.Err()
		},
	}

	require.NoError(t, prg.Start(nil))
	require.NoError(t, prg.Stop(nil))
	assert.Equal(t, "/etc/datanode/datanode.yaml", gotPath)
}

func TestProgram_StopReportsFailure(t *testing.T) {
	prg := &Program{
		Run: func(ctx context.Context, _ string) error {
			return errors.New("inconsistent pool")
		},
	}

	require.NoError(t, prg.Start(nil))
	assert.Error(t, prg.Stop(nil))
}

func TestProgram_NoRunFunc(t *testing.T) {
	assert.Error(t, (&Program{}).Start(nil))
	assert.NoError(t, (&Program{}).Stop(nil))
}

func TestLogCommand(t *testing.T) {
	cmd, err := logCommand("linux", LogOptions{ServiceName: "datanode", Follow: true})
	require.NoError(t, err)
	assert.Equal(t, []string{"journalctl", "-u", "datanode", "-n", "50", "--no-pager", "-f"}, cmd.Args)

	cmd, err = logCommand("darwin", LogOptions{ServiceName: "datanode", Lines: 10})
	require.NoError(t, err)
	assert.Equal(t, []string{"tail", "-n", "10", "/var/log/datanode.err.log", "/var/log/datanode.out.log"}, cmd.Args)

	_, err = logCommand("plan9", LogOptions{ServiceName: "datanode"})
	assert.Error(t, err)
}
