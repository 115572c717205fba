// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package compose

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"axonflow/agentcore/shared/fault"
	"axonflow/agentcore/store"
)

// DAGTask is one node of a planner-emitted task graph.
type DAGTask struct {
	ID         string
	Specialist Specialist
	Query      string
	DependsOn  []string
}

// Layers performs topological layering of the tasks. Tasks in the same
// layer have all dependencies satisfied by earlier layers and may run
// concurrently. A cycle or an unknown dependency fails with VALIDATION
// before anything runs.
func Layers(tasks []DAGTask) ([][]DAGTask, error) {
	if len(tasks) == 0 {
		return nil, fault.Validation("dag_empty", "tasks", "graph needs at least one task")
	}

	byID := make(map[string]DAGTask, len(tasks))
	for _, t := range tasks {
		if t.ID == "" {
			return nil, fault.Validation("dag_task_unnamed", "id", "every task needs an identifier")
		}
		if _, dup := byID[t.ID]; dup {
			return nil, fault.Validation("dag_task_duplicate", "id", "duplicate task "+t.ID)
		}
		byID[t.ID] = t
	}

	indegree := make(map[string]int, len(tasks))
	dependents := make(map[string][]string, len(tasks))
	for _, t := range tasks {
		indegree[t.ID] += 0
		for _, dep := range t.DependsOn {
			if _, ok := byID[dep]; !ok {
				return nil, fault.Validation("dag_unknown_dependency", "depends_on",
					fmt.Sprintf("task %s depends on unknown task %s", t.ID, dep))
			}
			indegree[t.ID]++
			dependents[dep] = append(dependents[dep], t.ID)
		}
	}

	var layers [][]DAGTask
	placed := 0
	ready := make([]string, 0, len(tasks))
	for id, d := range indegree {
		if d == 0 {
			ready = append(ready, id)
		}
	}

	for len(ready) > 0 {
		sort.Strings(ready) // deterministic layer order
		layer := make([]DAGTask, 0, len(ready))
		var next []string
		for _, id := range ready {
			layer = append(layer, byID[id])
			placed++
			for _, dep := range dependents[id] {
				indegree[dep]--
				if indegree[dep] == 0 {
					next = append(next, dep)
				}
			}
		}
		layers = append(layers, layer)
		ready = next
	}

	if placed != len(tasks) {
		return nil, fault.Validation("dag_cycle", "tasks", "dependency cycle detected")
	}
	return layers, nil
}

// RunDAG executes the task graph layer by layer. Tasks within a layer run
// concurrently; each task sees the outputs of its dependencies as context.
// The first failing task fails the graph after its layer completes.
func (s *Scheduler) RunDAG(ctx context.Context, scope store.TenantScope, tasks []DAGTask, base *Task) (map[string]*Output, []StageRecord, error) {
	layers, err := Layers(tasks)
	if err != nil {
		return nil, nil, err
	}

	outputs := make(map[string]*Output, len(tasks))
	var history []StageRecord

	for _, layer := range layers {
		if err := ctx.Err(); err != nil {
			return outputs, history, fault.FromContextErr(err)
		}

		results := make([]*Output, len(layer))
		records := make([]StageRecord, len(layer))

		var wg sync.WaitGroup
		for i, t := range layer {
			task := &Task{Query: t.Query, PinnedTier: base.PinnedTier}
			if task.Query == "" {
				task.Query = base.Query
			}
			task.Context = append(task.Context, base.Context...)
			for _, dep := range t.DependsOn {
				if depOut := outputs[dep]; depOut != nil {
					task.Context = append(task.Context, dep+" output:\n"+depOut.Content)
				}
			}

			wg.Add(1)
			go func(i int, t DAGTask, task *Task) {
				defer wg.Done()
				results[i], records[i] = runStage(ctx, scope, t.Specialist, task, 0)
				records[i].TaskID = t.ID
			}(i, t, task)
		}
		wg.Wait()

		history = append(history, records...)
		for i, t := range layer {
			if results[i] == nil {
				return outputs, history, fault.Wrap(fault.KindUpstream, "dag_task_failed",
					"task "+t.ID+" failed", fmt.Errorf("%s", records[i].Error))
			}
			outputs[t.ID] = results[i]
		}
	}
	return outputs, history, nil
}
