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

package gateway

import (
	"encoding/json"
	"errors"
	"net/http"

	"axonflow/agentcore/shared/fault"
)

// errorBody is the JSON envelope every failure response carries.
type errorBody struct {
	Error struct {
		Kind      string `json:"kind"`
		Code      string `json:"code"`
		Message   string `json:"message"`
		Field     string `json:"field,omitempty"`
		Retryable bool   `json:"retryable,omitempty"`
	} `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// faultOf normalizes any error to a taxonomy error so responses never
// leak detail from unclassified failures.
func faultOf(err error) *fault.Error {
	var fe *fault.Error
	if errors.As(err, &fe) {
		return fe
	}
	return fault.New(fault.KindInternal, "internal", "internal error")
}

// writeFault maps a taxonomy error onto an HTTP response.
func writeFault(w http.ResponseWriter, err error) {
	fe := faultOf(err)

	var body errorBody
	body.Error.Kind = string(fe.Kind)
	body.Error.Code = fe.Code
	body.Error.Message = fe.Message
	body.Error.Field = fe.Field
	body.Error.Retryable = fe.Retryable
	writeJSON(w, fault.HTTPStatus(fe.Kind), body)
}
