package cmd

import (
	"encoding/json"
	"fmt"
	"runtime"

	"github.com/spf13/cobra"
)

// Version and Commit are set at build time via ldflags.
var (
	Version = ""
	Commit  = ""
)

type versionInfo struct {
	Version string `json:"version"`
	Commit  string `json:"commit"`
	Go      string `json:"go"`
}

func getVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version of the market-feeder binary",
		RunE: func(_ *cobra.Command, _ []string) error {
			bz, err := json.Marshal(versionInfo{
				Version: Version,
				Commit:  Commit,
				Go:      fmt.Sprintf("%s %s/%s", runtime.Version(), runtime.GOOS, runtime.GOARCH),
			})
			if err != nil {
				return err
			}
			fmt.Println(string(bz))
			return nil
		},
	}
}
