package fleet

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/fleetbench/fleetbench/runner/execer"
)

// ClusterNodes is one (site, cluster) group of the catalog with its nodes
// ordered by uid.
type ClusterNodes struct {
	Site    string
	Cluster string
	Nodes   []Node
}

// Catalog is the read-only node catalog laid out as
// <root>/<site>/<cluster>/<node-uid>.json.
type Catalog struct {
	Clusters []ClusterNodes
	byUID    map[string]Node
}

// LoadCatalog reads the whole catalog. Clusters come out ordered by site then
// cluster name. Files that aren't node descriptors are skipped with a warning.
func LoadCatalog(root string) (*Catalog, error) {
	sites, err := subdirs(root)
	if err != nil {
		return nil, errors.Wrapf(err, "reading catalog %s", root)
	}
	c := &Catalog{byUID: map[string]Node{}}
	for _, site := range sites {
		clusters, err := subdirs(filepath.Join(root, site))
		if err != nil {
			return nil, errors.Wrapf(err, "reading site %s", site)
		}
		for _, cluster := range clusters {
			nodes, err := readNodes(filepath.Join(root, site, cluster), cluster)
			if err != nil {
				return nil, err
			}
			for _, n := range nodes {
				c.byUID[n.UID] = n
			}
			c.Clusters = append(c.Clusters, ClusterNodes{Site: site, Cluster: cluster, Nodes: nodes})
		}
	}
	return c, nil
}

// Lookup finds a node by uid.
func (c *Catalog) Lookup(uid string) (Node, bool) {
	n, ok := c.byUID[uid]
	return n, ok
}

func (c *Catalog) NodeCount() int { return len(c.byUID) }

func subdirs(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() && !strings.HasPrefix(e.Name(), ".") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

func readNodes(dir, cluster string) ([]Node, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Wrapf(err, "reading cluster dir %s", dir)
	}
	var nodes []Node
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		path := filepath.Join(dir, e.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.Wrapf(err, "reading node %s", path)
		}
		var n Node
		if err := json.Unmarshal(data, &n); err != nil {
			log.WithFields(log.Fields{"file": path, "err": err}).Warn("Skipping malformed node descriptor")
			continue
		}
		if n.UID == "" {
			n.UID = strings.TrimSuffix(e.Name(), ".json")
		}
		if n.Cluster == "" {
			n.Cluster = cluster
		}
		nodes = append(nodes, n)
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].UID < nodes[j].UID })
	return nodes, nil
}

// Refresh runs the external catalog command with the catalog dir as its
// working directory. An empty command is a no-op.
func Refresh(ctx context.Context, ex execer.Execer, command []string, dir string, timeout time.Duration) error {
	if len(command) == 0 {
		log.Info("No catalog refresh command configured, using catalog as is")
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrapf(err, "creating catalog dir %s", dir)
	}
	var stderr strings.Builder
	st, err := execer.Run(ctx, ex, execer.Command{
		Argv:      command,
		Dir:       dir,
		Stdout:    os.Stdout,
		Stderr:    &stderr,
		LogFields: log.Fields{"step": "catalog"},
	}, timeout)
	if err != nil {
		return errors.Wrap(err, "refreshing catalog")
	}
	if !st.Succeeded() {
		return errors.Errorf("catalog refresh %v exited %d: %s", command, st.ExitCode, strings.TrimSpace(stderr.String()))
	}
	return nil
}
