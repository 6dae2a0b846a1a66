/*
Copyright 2024 Gravitational, Inc.

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

package utils

import (
	"github.com/alecthomas/kingpin/v2"
)

// InitCLIParser configures a kingpin command line parser with defaults
// common to all cloudshell tools.
func InitCLIParser(appName, appHelp string) *kingpin.Application {
	app := kingpin.New(appName, appHelp)
	app.HelpFlag.Hidden()
	app.HelpFlag.NoEnvar()
	return app
}
