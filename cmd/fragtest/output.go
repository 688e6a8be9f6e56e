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

package main

import (
	"compress/gzip"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"sigs.k8s.io/yaml"
)

// writeResult writes obj to outFile as indented JSON, or as YAML if the
// file has a .yaml or .yml extension. A trailing .gz compresses the output.
func writeResult(outFile string, obj any) (retErr error) {
	f, err := os.Create(outFile)
	if err != nil {
		return fmt.Errorf("failed to create result file: %w", err)
	}
	defer func() {
		if err := f.Close(); err != nil && retErr == nil {
			retErr = err
		}
	}()

	var out io.Writer = f
	name := outFile
	if strings.HasSuffix(name, ".gz") {
		zw := gzip.NewWriter(f)
		defer func() {
			if err := zw.Close(); err != nil && retErr == nil {
				retErr = err
			}
		}()
		out = zw
		name = strings.TrimSuffix(name, ".gz")
	}

	var data []byte
	switch filepath.Ext(name) {
	case ".yaml", ".yml":
		data, err = yaml.Marshal(obj)
	default:
		data, err = json.MarshalIndent(obj, "", "  ")
		data = append(data, '\n')
	}
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}

	_, err = out.Write(data)
	return err
}
