package main

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marcohefti/surfwright/pkg/config"
	"github.com/marcohefti/surfwright/pkg/contract"
	"github.com/marcohefti/surfwright/pkg/workspace"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestStack(t *testing.T) *runtimeStack {
	t.Helper()
	dir := t.TempDir()
	layout, err := workspace.Init(dir)
	require.NoError(t, err)
	cfg := config.Defaults()
	return newRuntimeStack(&cfg, discardLogger(), layout)
}

func TestParseArgsSplitsPositionalFlagsAndBools(t *testing.T) {
	p := parseArgs([]string{"profile-a", "--mode", "headed", "--timeout-ms=500", "--force"})
	assert.Equal(t, []string{"profile-a"}, p.positional)
	assert.Equal(t, "headed", p.str("mode", ""))
	assert.Equal(t, 500, p.intv("timeout-ms", 0))
	assert.True(t, p.bools["force"])
}

func TestParseArgsPositionalAtFallsBackToDefault(t *testing.T) {
	p := parseArgs(nil)
	assert.Equal(t, "default", p.positionalAt(0, "default"))
}

func TestCmdDoctorReportsWorkspaceAndSchedulerState(t *testing.T) {
	s := newTestStack(t)
	defer s.Close()

	report, cerr := s.cmdDoctor(context.Background(), nil, nil)
	require.Nil(t, cerr)
	assert.Equal(t, s.layout.Root, report["workspace"])
	assert.Equal(t, 0, report["sessions"])
	assert.Contains(t, report, "schedulerStats")
}

func TestCmdContractListsEveryKind(t *testing.T) {
	s := newTestStack(t)
	defer s.Close()

	data, cerr := s.cmdContract(context.Background(), nil, nil)
	require.Nil(t, cerr)
	kinds, ok := data["kinds"].([]string)
	require.True(t, ok)
	assert.Contains(t, kinds, string(contract.EProfileLocked))
	assert.Contains(t, kinds, string(contract.EDaemonQueueSaturated))
}

func TestCmdWorkspaceInfoReturnsLayoutPaths(t *testing.T) {
	s := newTestStack(t)
	defer s.Close()

	data, cerr := s.cmdWorkspaceInfo(context.Background(), nil, nil)
	require.Nil(t, cerr)
	assert.Equal(t, s.layout.Root, data["root"])
	assert.Equal(t, s.layout.StatePath(), data["statePath"])
}

func TestCmdWorkspaceProfileLockClearRequiresProfileName(t *testing.T) {
	s := newTestStack(t)
	defer s.Close()

	_, cerr := s.cmdWorkspaceProfileLockClear(context.Background(), nil, nil)
	require.NotNil(t, cerr)
	assert.Equal(t, contract.EProfileInvalid, cerr.Kind)
}

func TestCmdWorkspaceProfileLockClearReportsAbsentLock(t *testing.T) {
	s := newTestStack(t)
	defer s.Close()

	data, cerr := s.cmdWorkspaceProfileLockClear(context.Background(), []string{"ghost-profile"}, nil)
	require.Nil(t, cerr)
	assert.Equal(t, false, data["cleared"])
	assert.Equal(t, "absent", data["reason"])
}

func TestCmdSessionUseRejectsUnknownSession(t *testing.T) {
	s := newTestStack(t)
	defer s.Close()

	_, cerr := s.cmdSessionUse(context.Background(), []string{"p.nope"}, nil)
	require.NotNil(t, cerr)
	assert.Equal(t, contract.ESessionIDInvalid, cerr.Kind)
}

func TestCmdSessionAttachAndUseAndClearRoundtrip(t *testing.T) {
	s := newTestStack(t)
	defer s.Close()
	ctx := context.Background()

	attached, cerr := s.cmdSessionAttach(ctx, []string{"p.manual", "--endpoint", "http://127.0.0.1:9222"}, nil)
	require.Nil(t, cerr)
	assert.NotNil(t, attached["session"])

	listed, cerr := s.cmdSessionList(ctx, nil, nil)
	require.Nil(t, cerr)
	assert.Equal(t, "p.manual", listed["active"])

	_, cerr = s.cmdSessionUse(ctx, []string{"p.manual"}, nil)
	require.Nil(t, cerr)

	cleared, cerr := s.cmdSessionClear(ctx, []string{"p.manual"}, nil)
	require.Nil(t, cerr)
	assert.Equal(t, "p.manual", cleared["cleared"])

	listed, cerr = s.cmdSessionList(ctx, nil, nil)
	require.Nil(t, cerr)
	assert.Empty(t, listed["active"])
}

func TestCmdSessionCookieCopyRequiresBothIDs(t *testing.T) {
	s := newTestStack(t)
	defer s.Close()

	_, cerr := s.cmdSessionCookieCopy(context.Background(), []string{"only-from"}, nil)
	require.NotNil(t, cerr)
	assert.Equal(t, contract.ESessionIDInvalid, cerr.Kind)
}

func TestCmdSessionCookieCopyRejectsUnknownFromSession(t *testing.T) {
	s := newTestStack(t)
	defer s.Close()

	_, cerr := s.cmdSessionCookieCopy(context.Background(), []string{"p.ghost-a", "p.ghost-b"}, nil)
	require.NotNil(t, cerr)
	assert.Equal(t, contract.ESessionIDInvalid, cerr.Kind)
}

func TestCmdTargetRejectsUnimplementedActions(t *testing.T) {
	s := newTestStack(t)
	defer s.Close()

	for _, action := range []string{"count", "upload", "url-assert", "network"} {
		_, cerr := s.cmdTarget(context.Background(), []string{action}, nil)
		require.NotNil(t, cerr, action)
		assert.Equal(t, contract.EQueryInvalid, cerr.Kind, action)
	}
}

func TestCmdTargetRequiresAnAction(t *testing.T) {
	s := newTestStack(t)
	defer s.Close()

	_, cerr := s.cmdTarget(context.Background(), nil, nil)
	require.NotNil(t, cerr)
	assert.Equal(t, contract.EQueryInvalid, cerr.Kind)
}

func TestCmdRunRequiresCommandIDOrPlan(t *testing.T) {
	s := newTestStack(t)
	defer s.Close()

	_, cerr := s.cmdRun(context.Background(), nil, nil)
	require.NotNil(t, cerr)
	assert.Equal(t, contract.EDaemonRequestInvalid, cerr.Kind)
}

func TestCmdRunDispatchesBareCommandID(t *testing.T) {
	s := newTestStack(t)
	defer s.Close()

	data, cerr := s.cmdRun(context.Background(), []string{"contract"}, nil)
	require.Nil(t, cerr)
	assert.Equal(t, 0, data["code"])
}

func TestCmdStateDiskPruneCollectsLiveProfilesFromSessionIDs(t *testing.T) {
	s := newTestStack(t)
	defer s.Close()
	ctx := context.Background()

	_, cerr := s.cmdSessionAttach(ctx, []string{"p.checkout", "--endpoint", "http://127.0.0.1:9222"}, nil)
	require.Nil(t, cerr)

	data, cerr := s.cmdStateDiskPrune(ctx, nil, nil)
	require.Nil(t, cerr)
	live, ok := data["liveProfiles"].(map[string]bool)
	require.True(t, ok)
	assert.True(t, live["checkout"])
}

func TestCmdSkillInstallRequiresName(t *testing.T) {
	s := newTestStack(t)
	defer s.Close()

	_, cerr := s.cmdSkillInstall(context.Background(), nil, nil)
	require.NotNil(t, cerr)
}

func TestCmdUpdateRunReportsNoChannelConfigured(t *testing.T) {
	s := newTestStack(t)
	defer s.Close()

	_, cerr := s.cmdUpdateRun(context.Background(), nil, nil)
	require.NotNil(t, cerr)
	assert.Equal(t, contract.EInternal, cerr.Kind)
}
