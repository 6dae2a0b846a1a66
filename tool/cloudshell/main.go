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

package main

import (
	"context"
	"fmt"
	"os"

	"github.com/gravitational/trace"
	"github.com/sirupsen/logrus"

	"github.com/gravitational/cloudshell"
	"github.com/gravitational/cloudshell/lib/config"
	"github.com/gravitational/cloudshell/lib/defaults"
	"github.com/gravitational/cloudshell/lib/service"
	"github.com/gravitational/cloudshell/lib/utils"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		utils.FatalError(err)
	}
}

func run(args []string) error {
	var cf config.CLIConf

	app := utils.InitCLIParser("cloudshell", "Web gateway for SSH and SFTP access to lab devices.")
	app.Flag("debug", "Enable verbose logging to stderr.").
		Short('d').BoolVar(&cf.Debug)

	start := app.Command("start", "Start the cloudshell service.")
	start.Flag("listen-addr", "Address to bind the web API to.").
		Default(defaults.ListenAddr).Envar("LISTEN_ADDR").StringVar(&cf.ListenAddr)
	start.Flag("data-dir", "Directory for the database, known hosts and key files.").
		Envar("DATA_DIR").StringVar(&cf.DataDir)
	start.Flag("secret-key", "Passphrase protecting stored credentials and signing tokens.").
		Envar("SECRET_KEY").StringVar(&cf.SecretKey)
	start.Flag("admin-user", "Administrative login.").
		Envar("ADMIN_USER").StringVar(&cf.AdminUser)
	start.Flag("admin-password", "Bootstrap administrative password.").
		Envar("ADMIN_PASSWORD").StringVar(&cf.AdminPassword)
	start.Flag("token-ttl-hours", "Bearer token lifetime in hours.").
		Envar("TOKEN_TTL_HOURS").IntVar(&cf.TokenTTLHours)
	start.Flag("audit-retention-days", "Audit log retention window in days.").
		Envar("AUDIT_RETENTION_DAYS").IntVar(&cf.AuditRetentionDays)
	start.Flag("cors-origins", "Comma separated list of allowed browser origins.").
		Envar("CORS_ORIGINS").StringVar(&cf.CORSOrigins)
	start.Flag("app-version", "Version string reported by the health endpoint.").
		Envar("APP_VERSION").Hidden().StringVar(&cf.AppVersion)

	ver := app.Command("version", "Print the version and exit.")

	command, err := app.Parse(args)
	if err != nil {
		return trace.Wrap(err)
	}

	switch command {
	case start.FullCommand():
		level := logrus.InfoLevel
		if cf.Debug {
			level = logrus.DebugLevel
		}
		utils.InitLogger(utils.LoggingForDaemon, level)
		return trace.Wrap(onStart(&cf))
	case ver.FullCommand():
		fmt.Println(cloudshell.Version)
		return nil
	}
	return nil
}

func onStart(cf *config.CLIConf) error {
	cfg, err := config.FromCLIConf(cf)
	if err != nil {
		return trace.Wrap(err)
	}
	process, err := service.NewProcess(cfg)
	if err != nil {
		return trace.Wrap(err)
	}
	return trace.Wrap(process.Run(context.Background()))
}
