package jobs

import (
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetbench/fleetbench/fleet"
)

func newTestNode(uid string, cores int) fleet.Node {
	return fleet.Node{
		UID:          uid,
		Processor:    fleet.Processor{Vendor: "Intel", Microarchitecture: "Haswell", Version: fleet.NumberVersion(2630)},
		Architecture: fleet.Architecture{NbCores: cores},
		SupportedJobTypes: fleet.SupportedJobTypes{
			Queues: []string{"default", "admin"},
		},
	}
}

func TestJobsCollection(t *testing.T) {
	js := &Jobs{}
	assert.Equal(t, 0, js.NextID())
	paths := Paths{ScriptsDir: "scripts.d", ResultsDir: "results.d"}
	now := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

	a := NewJob(js.NextID(), newTestNode("paravance-1", 16), "rennes", "paravance", "", LifecycleDefault, []int{3, 16}, paths, now)
	require.NoError(t, js.Add(a))
	b := NewJob(js.NextID(), newTestNode("gros-1", 18), "nancy", "gros", "", LifecycleDefault, []int{5, 18}, paths, now)
	require.NoError(t, js.Add(b))
	assert.Equal(t, 2, js.NextID())

	assert.Equal(t, "scripts.d/rennes/paravance/paravance-1.sh", a.ScriptFile)
	assert.Equal(t, "results.d/nancy/gros/gros-1", b.ResultsDir)
	assert.Equal(t, "paravance", a.Node.Cluster)

	dup := NewJob(js.NextID(), newTestNode("paravance-1", 16), "rennes", "paravance", "", LifecycleDefault, nil, paths, now)
	assert.Error(t, js.Add(dup), "one job per node")
	reused := NewJob(1, newTestNode("gros-2", 18), "nancy", "gros", "", LifecycleDefault, nil, paths, now)
	assert.Error(t, js.Add(reused), "ids are unique")

	assert.Same(t, b, js.ByNode("gros-1"))
	assert.Same(t, a, js.ByID(0))
	assert.Nil(t, js.ByNode("gros-9"))

	a.State = Terminated
	b.State = UnknownState
	assert.Len(t, js.Active(UnknownPolicyTerminal), 0)
	assert.Len(t, js.Active(UnknownPolicyRecheck), 1)
	assert.Equal(t, []*Job{b}, js.Unfinished())
	assert.Equal(t, []*Job{a}, js.Done())
	assert.Equal(t, map[State]int{Terminated: 1, UnknownState: 1}, js.CountByState())
}

func TestLoadMissingCheckpoint(t *testing.T) {
	js, err := Load(filepath.Join(t.TempDir(), "jobs.yaml"))
	require.NoError(t, err)
	assert.Empty(t, js.Jobs)
}

func TestLoadRejectsDuplicateNodes(t *testing.T) {
	path := filepath.Join(t.TempDir(), "jobs.yaml")
	doc := `jobs:
- id: 0
  node: {uid: paravance-1}
  state: Waiting
- id: 1
  node: {uid: paravance-1}
  state: NotSubmitted
`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))
	_, err := Load(path)
	assert.Error(t, err)
}

func TestSaveReplacesWholeFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "jobs.yaml")
	paths := Paths{ScriptsDir: "scripts.d", ResultsDir: "results.d"}

	big := &Jobs{}
	for i := 0; i < 5; i++ {
		uid := fmt.Sprintf("paravance-%d", i)
		require.NoError(t, big.Add(NewJob(i, newTestNode(uid, 16), "rennes", "paravance", "", LifecycleDefault, []int{16}, paths, time.Time{})))
	}
	require.NoError(t, big.Save(path))

	small := &Jobs{}
	require.NoError(t, small.Add(NewJob(0, newTestNode("gros-1", 18), "nancy", "gros", "", LifecycleDefault, []int{18}, paths, time.Time{})))
	require.NoError(t, small.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	require.Len(t, loaded.Jobs, 1)
	assert.Equal(t, "gros-1", loaded.Jobs[0].Node.UID)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no temp files left behind")
}

func genJobs() gopter.Gen {
	return func(params *gopter.GenParameters) *gopter.GenResult {
		rng := params.Rng
		js := &Jobs{}
		paths := Paths{ScriptsDir: "scripts.d", ResultsDir: "results.d"}
		base := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
		n := rng.Intn(30)
		for i := 0; i < n; i++ {
			lc := LifecycleDefault
			flavor := ""
			if rng.Intn(2) == 0 {
				lc, flavor = LifecycleDeploy, "ubuntu2404-nfs"
			}
			node := newTestNode(fmt.Sprintf("node-%d", i), 1+rng.Intn(128))
			if rng.Intn(2) == 0 {
				node.Processor.Version = fleet.TextVersion("E5-2630 v3")
			}
			if rng.Intn(3) == 0 {
				node.OperatingSystem = map[string]interface{}{"distribution": "debian", "release": "11"}
			}
			j := NewJob(i*2, node, "rennes", "paravance", flavor, lc,
				GenerateCoreValues(rng, DefaultCoreValuesCount, node.Architecture.NbCores),
				paths, base.Add(time.Duration(i)*time.Minute))
			j.State = AllStates[rng.Intn(len(AllStates))]
			if j.State != NotSubmitted {
				j.SubmissionID = fmt.Sprintf("%d", 1000+rng.Intn(1000))
			}
			js.Add(j)
		}
		return gopter.NewGenResult(js, gopter.NoShrinker)
	}
}

func TestCheckpointRoundTrip(t *testing.T) {
	dir := t.TempDir()
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("save then load yields the same jobs", prop.ForAll(
		func(js *Jobs) bool {
			path := filepath.Join(dir, "jobs.yaml")
			if err := js.Save(path); err != nil {
				t.Log(err)
				return false
			}
			loaded, err := Load(path)
			if err != nil {
				t.Log(err)
				return false
			}
			if len(loaded.Jobs) != len(js.Jobs) || loaded.NextID() != js.NextID() {
				return false
			}
			for i, j := range js.Jobs {
				l := loaded.Jobs[i]
				if l.ID != j.ID || l.State != j.State || l.Node.UID != j.Node.UID ||
					l.Lifecycle != j.Lifecycle || l.SubmissionID != j.SubmissionID ||
					!l.Node.Processor.Version.Equal(j.Node.Processor.Version) ||
					!l.CreatedAt.Equal(j.CreatedAt) ||
					fmt.Sprint(l.CoreValues) != fmt.Sprint(j.CoreValues) {
					return false
				}
			}
			return true
		},
		genJobs(),
	))

	properties.TestingRun(t)
}

func TestCoreValues(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 300
	properties := gopter.NewProperties(parameters)

	properties.Property("sorted, deduplicated, no extra powers of two, includes the core count", prop.ForAll(
		func(seed int64, n, max int) bool {
			values := GenerateCoreValues(rand.New(rand.NewSource(seed)), n, max)
			hasMax := false
			for i, v := range values {
				if i > 0 && values[i-1] >= v {
					return false
				}
				if v == max {
					hasMax = true
				} else if isPowerOfTwo(v) || v < 2 || v > max+1 {
					return false
				}
			}
			return hasMax && len(values) <= n+1
		},
		gen.Int64(), gen.IntRange(0, 12), gen.IntRange(2, 256),
	))

	properties.TestingRun(t)

	assert.Equal(t, []int{1}, GenerateCoreValues(rand.New(rand.NewSource(1)), 7, 1))
	assert.Equal(t, []int{2, 3}, GenerateCoreValues(rand.New(rand.NewSource(1)), 7, 2))
}
