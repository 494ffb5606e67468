// Copyright 2024 The VeridianOS Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package mac

// DefaultPolicy is the policy text loaded when no administrator-supplied
// policy file is present: the kernel type can do anything to itself and
// read, write, execute, create and grant on init, init may create and
// transition into service domains on exec,
// and everything else is implicitly denied by the absence of an allow
// rule (type enforcement is default-deny; see Engine.CheckAccess).
const DefaultPolicy = `
# kernel_t is the type of the scheduler/allocator/cap-system core itself.
allow kernel_t kernel_t { read,write,execute,create,delete,search,connect,grant };
allow kernel_t init_t { read,write,execute,create,grant };

# init_t is PID 1, holder of the root capability.
allow init_t init_t { read,write,execute,create,delete,search,connect,grant };
allow init_t service_t { read,write,execute,create,connect,grant };

type_transition init_t service_exec_t : process service_t;

role system_r types { kernel_t, init_t };
role service_r types { service_t };

user root roles { system_r };
`

// LoadDefaultPolicy parses DefaultPolicy into e and enables enforcement,
// the boot-time call path when no policy file was supplied.
func (e *Engine) LoadDefaultPolicy() error {
	if err := e.ParsePolicy(DefaultPolicy); err != nil {
		return err
	}
	e.Enable()
	return nil
}
