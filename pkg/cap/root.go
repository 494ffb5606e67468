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

package cap

// AllRights is the full right set granted to the root capability.
const AllRights = RightRead | RightWrite | RightExecute | RightGrant | RightRevoke

// NewRootSpace returns a Space pre-populated with one Token carrying
// AllRights over the given root object, as spec.md section 4.3 requires
// the init task to hold at boot: every other capability in the system is
// ultimately derived from this one.
func NewRootSpace(quota int, root ObjectRef) (*Space, Token, error) {
	s := NewSpace(quota)
	tok, err := s.Insert(root, AllRights)
	if err != nil {
		return nil, Token{}, err
	}
	return s, tok, nil
}
