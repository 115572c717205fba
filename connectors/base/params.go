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

package base

import (
	"strings"

	"axonflow/agentcore/shared/fault"
)

// SplitAction parses the action:target convention used by write commands
// (insert:orders, put:reports/q3.pdf). Both halves must be non-empty; the
// action is lower-cased. Target validation is connector-specific.
func SplitAction(operation string) (action, target string, err error) {
	action, target, ok := strings.Cut(operation, ":")
	if !ok || action == "" || target == "" {
		return "", "", fault.Validation("operation_malformed", "operation",
			"operation must take the form action:target")
	}
	return strings.ToLower(action), target, nil
}

// whereParamPrefix marks update parameters that are conditions rather than
// new values.
const whereParamPrefix = "where_"

// SplitWhereParams partitions command parameters into set values and
// where conditions, stripping the prefix from condition keys.
func SplitWhereParams(params map[string]interface{}) (sets, wheres map[string]interface{}) {
	sets = make(map[string]interface{})
	wheres = make(map[string]interface{})
	for k, v := range params {
		if rest := strings.TrimPrefix(k, whereParamPrefix); rest != k && rest != "" {
			wheres[rest] = v
		} else {
			sets[k] = v
		}
	}
	return sets, wheres
}
