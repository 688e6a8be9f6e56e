// Copyright The NRI Plugins Authors. All Rights Reserved.
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

package fragtest

import "fmt"

var (
	ErrInvalidConfig    = fmt.Errorf("fragtest: invalid configuration")
	ErrInvalidParameter = fmt.Errorf("fragtest: invalid parameter")
	ErrUnknownParameter = fmt.Errorf("fragtest: unknown parameter")
	ErrInvalidMode      = fmt.Errorf("fragtest: invalid run mode")
	ErrBusy             = fmt.Errorf("fragtest: run in progress")
	ErrResourceSetup    = fmt.Errorf("fragtest: failed to set up run")
	ErrNoResult         = fmt.Errorf("fragtest: no result available")
	ErrFailedOption     = fmt.Errorf("fragtest: failed to apply option")
)
