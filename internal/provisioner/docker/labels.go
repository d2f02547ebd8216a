package docker

import (
	"encoding/json"
	"fmt"

	"github.com/seantiz/funclite/internal/model"
)

// Container labels. Everything funclite needs to rediscover its containers
// after a restart lives here.
const (
	labelKind      = "funclite.kind"
	labelTag       = "funclite.tag"
	labelGroup     = "funclite.group"
	labelApp       = "funclite.app"
	labelRegion    = "funclite.region"
	labelContainer = "funclite.container"

	kindWorker = "worker"
	kindGroup  = "group"
)

func workerLabels(tag model.Tag) map[string]string {
	return map[string]string{
		labelKind: kindWorker,
		labelTag:  string(tag),
	}
}

// groupLabels records the group identity plus the full container definition,
// so ListGroups can rebuild the group without consulting anything else.
func groupLabels(g model.ReplicaGroup, c model.Container) (map[string]string, error) {
	def, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("encode container %s: %w", c.Name, err)
	}
	return map[string]string{
		labelKind:      kindGroup,
		labelGroup:     g.Name,
		labelApp:       g.App,
		labelRegion:    g.Region,
		labelContainer: string(def),
	}, nil
}

func containerFromLabels(labels map[string]string) (model.Container, error) {
	var c model.Container
	raw, ok := labels[labelContainer]
	if !ok {
		return c, fmt.Errorf("missing %s label", labelContainer)
	}
	if err := json.Unmarshal([]byte(raw), &c); err != nil {
		return c, fmt.Errorf("decode %s label: %w", labelContainer, err)
	}
	return c, nil
}

func kindFilter(kind string, extra ...string) map[string][]string {
	labels := []string{labelKind + "=" + kind}
	for i := 0; i+1 < len(extra); i += 2 {
		labels = append(labels, extra[i]+"="+extra[i+1])
	}
	return map[string][]string{"label": labels}
}
