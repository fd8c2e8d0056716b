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

// reconcileCommands runs a single reconciliation pass and prints the report.
func reconcileCommands(app *payoutsInstance) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "run one reconciliation pass",
		Run: func(cmd *cobra.Command, args []string) {
			report, err := app.engine().RunReconciliation(cmd.Context())
			if err != nil {
				log.Fatalf("reconciliation failed: %v", err)
			}

			data, err := json.MarshalIndent(report, "", "    ")
			if err != nil {
				log.Fatalf("Error printing report: %v\n", err)
			}
			fmt.Println(string(data))
		},
	}
	return cmd
}
