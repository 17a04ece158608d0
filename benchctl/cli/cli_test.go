package cli

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetbench/fleetbench/api"
	fberrors "github.com/fleetbench/fleetbench/common/errors"
	"github.com/fleetbench/fleetbench/common/stats"
	"github.com/fleetbench/fleetbench/config"
	"github.com/fleetbench/fleetbench/fleet"
	"github.com/fleetbench/fleetbench/jobs"
	"github.com/fleetbench/fleetbench/remote"
	"github.com/fleetbench/fleetbench/runner/execer"
	"github.com/fleetbench/fleetbench/runner/execer/execers"
)

type cliFixture struct {
	dir    string
	ctrl   *gomock.Controller
	ex     *execers.InterceptExecer
	remote *remote.MockExecutor
	api    *api.MockStatusClient
	out    *bytes.Buffer
	env    map[string]string
}

func newCliFixture(t *testing.T) *cliFixture {
	ctrl := gomock.NewController(t)
	f := &cliFixture{
		dir:    t.TempDir(),
		ctrl:   ctrl,
		remote: remote.NewMockExecutor(ctrl),
		api:    api.NewMockStatusClient(ctrl),
		out:    &bytes.Buffer{},
		env:    map[string]string{},
	}
	f.ex = execers.NewInterceptExecer(func(cmd execer.Command) []string {
		if cmd.Argv[0] == "gen-script" {
			return []string{"stdout #!/bin/sh", "complete 0"}
		}
		return []string{"complete 0"}
	})
	return f
}

func (f *cliFixture) path(elem ...string) string {
	return filepath.Join(append([]string{f.dir}, elem...)...)
}

func (f *cliFixture) writeConfig(t *testing.T, doc string) string {
	path := f.path("bench.json")
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))
	return path
}

func (f *cliFixture) writeNode(t *testing.T, site, cluster, uid string) {
	dir := f.path("catalog", site, cluster)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	body := `{"uid":"` + uid + `","architecture":{"nb_cores":8},"supported_job_types":{"queues":["default"]}}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, uid+".json"), []byte(body), 0o644))
}

// exec runs benchctl with the fixture's paths and args.
func (f *cliFixture) exec(args ...string) error {
	cl := NewCustomCliClient(func(cfg *config.Config, stat stats.StatsReceiver) (*Components, error) {
		return &Components{Execer: f.ex, Remote: f.remote, Status: f.api}, nil
	}, func(k string) (string, bool) {
		v, ok := f.env[k]
		return v, ok
	}, f.out)
	defer cl.Close()
	cl.SetArgs(append(args,
		"--catalog_dir", f.path("catalog"),
		"--scripts_dir", f.path("scripts.d"),
		"--results_dir", f.path("results.d"),
		"--jobs_file", f.path("jobs.yaml"),
		"--logs_dir", f.path("logs.d"),
	))
	return cl.ExecContext(context.Background())
}

func (f *cliFixture) runConfig(t *testing.T) string {
	return f.writeConfig(t, `{
 "Scheduler": {"PollInterval": "10ms"},
 "Generator": {"Command": ["gen-script"]},
 "Journal": {"Dir": "`+f.path("journal")+`"}
}`)
}

func TestRunSubmitsAndFollowsJobs(t *testing.T) {
	f := newCliFixture(t)
	f.writeNode(t, "rennes", "paravance", "paravance-1")
	cfgPath := f.runConfig(t)

	sess := remote.NewMockSession(f.ctrl)
	f.remote.EXPECT().Connect(gomock.Any(), "rennes").Return(sess, nil)
	sess.EXPECT().Mkdir(gomock.Any(), gomock.Any()).Return(nil)
	sess.EXPECT().Upload(gomock.Any(), f.path("scripts.d", "rennes", "paravance", "paravance-1.sh"), gomock.Any()).Return(nil)
	sess.EXPECT().MakeExecutable(gomock.Any(), gomock.Any()).Return(nil)
	sess.EXPECT().Submit(gomock.Any(), gomock.Any()).Return("4242", nil)
	sess.EXPECT().Close().Return(nil)
	gomock.InOrder(
		f.api.EXPECT().SchedulerStatus(gomock.Any(), "rennes", "4242").Return("running", nil),
		f.api.EXPECT().SchedulerStatus(gomock.Any(), "rennes", "4242").Return("terminated", nil),
	)

	require.NoError(t, f.exec("run", "--config", cfgPath, "--skip_catalog_refresh", "--skip_results"))

	js, err := jobs.Load(f.path("jobs.yaml"))
	require.NoError(t, err)
	require.Len(t, js.Jobs, 1)
	assert.Equal(t, jobs.Terminated, js.Jobs[0].State)
	assert.Equal(t, "4242", js.Jobs[0].SubmissionID)

	script, err := os.ReadFile(js.Jobs[0].ScriptFile)
	require.NoError(t, err)
	assert.Equal(t, "#!/bin/sh", string(script))
	assert.FileExists(t, f.path("logs.d", "benchctl.log"))

	for _, cmd := range f.ex.Commands() {
		assert.NotEqual(t, "rsync", cmd.Argv[0], "results are skipped")
	}

	require.NoError(t, f.exec("history", "--config", cfgPath, "0"))
	assert.Contains(t, f.out.String(), "NotSubmitted -> Waiting")
	assert.Contains(t, f.out.String(), "Running -> Terminated")

	f.out.Reset()
	require.NoError(t, f.exec("status", "--config", cfgPath, "--jobs"))
	assert.Contains(t, f.out.String(), "Terminated")
	assert.Contains(t, f.out.String(), "paravance-1")
	assert.Contains(t, f.out.String(), "4242")

	// A second run finds nothing left to do.
	require.NoError(t, f.exec("run", "--config", cfgPath, "--skip_catalog_refresh", "--skip_results"))
}

func TestRunRefreshesCatalog(t *testing.T) {
	f := newCliFixture(t)
	cfgPath := f.writeConfig(t, `{"Catalog": {"RefreshCommand": ["refresh-catalog", "--all"]}}`)

	require.NoError(t, f.exec("run", "--config", cfgPath, "--skip_jobs"))
	cmds := f.ex.Commands()
	require.Len(t, cmds, 1)
	assert.Equal(t, []string{"refresh-catalog", "--all"}, cmds[0].Argv)
	assert.Equal(t, f.path("catalog"), cmds[0].Dir)
}

func TestRunProtocolErrorExitCode(t *testing.T) {
	f := newCliFixture(t)
	cfgPath := f.runConfig(t)
	js := &jobs.Jobs{}
	node := fleet.Node{UID: "gros-1", Architecture: fleet.Architecture{NbCores: 18}}
	j := jobs.NewJob(0, node, "nancy", "gros", "", jobs.LifecycleDefault, []int{18},
		jobs.Paths{ScriptsDir: f.path("scripts.d"), ResultsDir: f.path("results.d")}, time.Time{})
	j.State = jobs.Waiting
	j.SubmissionID = "7"
	require.NoError(t, js.Add(j))
	require.NoError(t, js.Save(f.path("jobs.yaml")))

	f.api.EXPECT().SchedulerStatus(gomock.Any(), "nancy", "7").Return("Exploded", nil)

	err := f.exec("run", "--config", cfgPath, "--skip_catalog_refresh", "--skip_jobs")
	require.Error(t, err)
	assert.Equal(t, fberrors.ExitCode(fberrors.ProtocolFailureExitCode), fberrors.ExitCodeOf(err))
}

func TestConfigErrors(t *testing.T) {
	f := newCliFixture(t)
	err := f.exec("status", "--config", f.path("missing.json"))
	assert.Equal(t, fberrors.ExitCode(fberrors.ConfigFailureExitCode), fberrors.ExitCodeOf(err))

	err = f.exec("status", "--log_level", "loud")
	assert.Equal(t, fberrors.ExitCode(fberrors.ConfigFailureExitCode), fberrors.ExitCodeOf(err))

	f.env[config.EnvDeployPubKeyFile] = f.path("nope.pub")
	err = f.exec("status")
	assert.Equal(t, fberrors.ExitCode(fberrors.ConfigFailureExitCode), fberrors.ExitCodeOf(err))
}

func TestHistoryErrors(t *testing.T) {
	f := newCliFixture(t)
	assert.Error(t, f.exec("history", "abc"))

	err := f.exec("history", "3")
	assert.Equal(t, fberrors.ExitCode(fberrors.ConfigFailureExitCode), fberrors.ExitCodeOf(err), "no journal dir")

	cfgPath := f.runConfig(t)
	assert.Error(t, f.exec("history", "--config", cfgPath, "3"), "unknown job")
}

func TestStatusOfEmptyCheckpoint(t *testing.T) {
	f := newCliFixture(t)
	require.NoError(t, f.exec("status"))
	assert.Contains(t, f.out.String(), "Total")
	assert.Contains(t, f.out.String(), "0")
}

func TestResultsAggregatesEveryNode(t *testing.T) {
	f := newCliFixture(t)
	good := f.path("results.d", "rennes", "paravance", "paravance-1")
	require.NoError(t, os.MkdirAll(good, 0o755))
	perf := "  1,234.56 Joules power/energy-pkg/\n\n  1.002345678 seconds time elapsed\n"
	require.NoError(t, os.WriteFile(filepath.Join(good, "perf_alone_4_250"), []byte(perf), 0o644))
	// An archive next to the node directory isn't a node.
	require.NoError(t, os.WriteFile(good+".tar.xz", []byte("xz"), 0o644))

	require.NoError(t, f.exec("results"))
	assert.FileExists(t, filepath.Join(good, "perf_alone_4_250.csv"))

	bad := f.path("results.d", "nancy", "gros", "gros-1")
	require.NoError(t, os.MkdirAll(bad, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(bad, "perf_alone_x_250"), []byte(perf), 0o644))

	err := f.exec("results")
	assert.Equal(t, fberrors.ExitCode(fberrors.AggregationFailureExitCode), fberrors.ExitCodeOf(err))
}

func TestExitError(t *testing.T) {
	assert.NoError(t, exitError(nil))
	assert.Equal(t, fberrors.ExitCode(fberrors.InterruptedExitCode), fberrors.ExitCodeOf(exitError(context.Canceled)))
	agg := &fberrors.AggregationError{Failed: 1, Total: 2, Err: assert.AnError}
	assert.Equal(t, fberrors.ExitCode(fberrors.AggregationFailureExitCode), fberrors.ExitCodeOf(exitError(agg)))
	assert.Equal(t, fberrors.GenericFailureExitCode, fberrors.ExitCodeOf(exitError(assert.AnError)))
}
