// Package jobs holds the orchestration record of one benchmark run per node,
// the state machine that advances it, and the checkpoint they are saved in.
package jobs

import (
	"math/bits"
	"math/rand"
	"path/filepath"
	"sort"
	"time"

	"github.com/fleetbench/fleetbench/fleet"
)

// Job is one benchmarking run bound to a node. It is never deleted: finished
// jobs stay in the checkpoint.
type Job struct {
	ID   int        `yaml:"id" json:"id"`
	Node fleet.Node `yaml:"node" json:"node"`
	// Set by the batch scheduler on submission. Empty until then.
	SubmissionID string `yaml:"submission_id,omitempty" json:"submission_id,omitempty"`
	DeploymentID string `yaml:"deployment_id,omitempty" json:"deployment_id,omitempty"`
	State        State  `yaml:"state" json:"state"`
	// Generated once at creation, never mutated.
	CoreValues []int     `yaml:"core_values" json:"core_values"`
	ScriptFile string    `yaml:"script_file" json:"script_file"`
	ResultsDir string    `yaml:"results_dir" json:"results_dir"`
	Site       string    `yaml:"site" json:"site"`
	Cluster    string    `yaml:"cluster" json:"cluster"`
	OSFlavor   string    `yaml:"os_flavor" json:"os_flavor"`
	Lifecycle  Lifecycle `yaml:"lifecycle" json:"lifecycle"`
	// Result pipeline attempts that ended in UnknownState.
	Rechecks  int       `yaml:"rechecks,omitempty" json:"rechecks,omitempty"`
	CreatedAt time.Time `yaml:"created_at" json:"created_at"`
	UpdatedAt time.Time `yaml:"updated_at" json:"updated_at"`
}

// Paths is where a job keeps its files locally. The script is uploaded to
// the same relative path in the remote home.
type Paths struct {
	ScriptsDir string
	ResultsDir string
}

// ScriptFile is <scripts>/<site>/<cluster>/<uid>.sh.
func (p Paths) ScriptFile(site, cluster, uid string) string {
	return filepath.Join(p.ScriptsDir, site, cluster, uid+".sh")
}

// ResultsDirFor is <results>/<site>/<cluster>/<uid>.
func (p Paths) ResultsDirFor(site, cluster, uid string) string {
	return filepath.Join(p.ResultsDir, site, cluster, uid)
}

// NewJob creates a NotSubmitted job for node.
func NewJob(id int, node fleet.Node, site, cluster, flavor string, lc Lifecycle, coreValues []int, paths Paths, now time.Time) *Job {
	if node.Cluster == "" {
		node.Cluster = cluster
	}
	return &Job{
		ID:         id,
		Node:       node,
		State:      NotSubmitted,
		CoreValues: coreValues,
		ScriptFile: paths.ScriptFile(site, cluster, node.UID),
		ResultsDir: paths.ResultsDirFor(site, cluster, node.UID),
		Site:       site,
		Cluster:    cluster,
		OSFlavor:   flavor,
		Lifecycle:  lc,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// Live reports whether the job still needs polling under policy.
func (j *Job) Live(policy UnknownPolicy) bool {
	if j.State == UnknownState {
		return policy == UnknownPolicyRecheck && j.Rechecks < MaxRechecks
	}
	return !j.State.IsTerminal(policy)
}

// RefreshNode replaces the node snapshot with a fresher catalog copy.
func (j *Job) RefreshNode(n fleet.Node) {
	if n.Cluster == "" {
		n.Cluster = j.Node.Cluster
	}
	j.Node = n
}

const DefaultCoreValuesCount = 7

// GenerateCoreValues draws n core counts in [2, max+1], none a power of two,
// then adds max. The result is sorted and deduplicated.
func GenerateCoreValues(r *rand.Rand, n, max int) []int {
	if max < 2 {
		return []int{max}
	}
	values := make([]int, 0, n+1)
	for i := 0; i < n; i++ {
		v := 2 + r.Intn(max)
		for isPowerOfTwo(v) {
			v = 2 + r.Intn(max)
		}
		values = append(values, v)
	}
	values = append(values, max)
	sort.Ints(values)

	out := values[:1]
	for _, v := range values[1:] {
		if v != out[len(out)-1] {
			out = append(out, v)
		}
	}
	return out
}

func isPowerOfTwo(v int) bool {
	return v > 0 && bits.OnesCount(uint(v)) == 1
}
