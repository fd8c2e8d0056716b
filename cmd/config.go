/*
Copyright 2024 Blnk Finance Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package main

import (
	"encoding/json"
	"fmt"
	"log"

	"github.com/spf13/cobra"
)

// configCommands prints the computed configuration with defaults applied.
// Secrets are masked unless --show-secrets is passed.
func configCommands(app *payoutsInstance) *cobra.Command {
	var showSecrets bool
	cmd := &cobra.Command{
		Use:   "config",
		Short: "print the computed configuration",
		Run: func(cmd *cobra.Command, args []string) {
			cnf := app.cnf.Redacted()
			if showSecrets {
				cnf = *app.cnf
			}
			data, err := json.MarshalIndent(cnf, "", "  ")
			if err != nil {
				log.Fatalf("error encoding config: %v", err)
			}
			fmt.Println(string(data))
		},
	}
	cmd.Flags().BoolVar(&showSecrets, "show-secrets", false, "print keys and passwords unmasked")
	return cmd
}
