package main

import (
	"log"
	"runtime/debug"

	"github.com/samber/lo"

	"github.com/sijucj/dbyard/pkg/cli"
	"github.com/sijucj/dbyard/pkg/utils"
)

const defaultVersion = "unversioned"

var (
	commit  string
	version = defaultVersion
	date    string
)

func main() {
	updateBuildInfo()

	if err := cli.Run(version); err != nil {
		log.Fatal(err.Error())
	}
}

// updateBuildInfo fills in version/commit/date from the embedded VCS
// metadata when no version was set at link time (go install/go run from
// source), the same fallback the teacher's own main.go performs.
func updateBuildInfo() {
	if version != defaultVersion {
		return
	}
	buildInfo, ok := debug.ReadBuildInfo()
	if !ok {
		return
	}

	revision, ok := lo.Find(buildInfo.Settings, func(setting debug.BuildSetting) bool {
		return setting.Key == "vcs.revision"
	})
	if ok {
		commit = revision.Value
		version = utils.SafeTruncate(revision.Value, 7)
	}

	vcsTime, ok := lo.Find(buildInfo.Settings, func(setting debug.BuildSetting) bool {
		return setting.Key == "vcs.time"
	})
	if ok {
		date = vcsTime.Value
	}
}
