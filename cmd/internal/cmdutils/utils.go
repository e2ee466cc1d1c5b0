// Package cmdutils holds the small pieces of Cobra/Viper/jww glue every
// xferctl subcommand needs, split out so each subcommand file stays focused
// on its own flags.
package cmdutils

import (
	"io/ioutil"
	"log"
	"os"

	"github.com/spf13/cobra"
	jww "github.com/spf13/jwalterweatherman"
	"github.com/spf13/viper"
)

// BindFlagHelper binds key to the matching pflag on command and logs rather
// than panics if the lookup fails, since a missing flag here is a
// programming error in this binary, not a user-facing one.
func BindFlagHelper(key string, command *cobra.Command) {
	if err := viper.BindPFlag(key, command.Flags().Lookup(key)); err != nil {
		jww.ERROR.Printf("viper.BindPFlag failed for %q: %+v", key, err)
	}
}

// InitLog sets the jww logging threshold and, if logPath is set, redirects
// output to a file instead of stdout.
func InitLog(threshold uint, logPath string) {
	if logPath != "-" && logPath != "" {
		jww.SetStdoutOutput(ioutil.Discard)
		logOutput, err := os.OpenFile(logPath,
			os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			panic(err.Error())
		}
		jww.SetLogOutput(logOutput)
	}

	switch {
	case threshold > 1:
		jww.SetStdoutThreshold(jww.LevelTrace)
		jww.SetLogThreshold(jww.LevelTrace)
		jww.SetFlags(log.LstdFlags | log.Lmicroseconds)
	case threshold == 1:
		jww.SetStdoutThreshold(jww.LevelDebug)
		jww.SetLogThreshold(jww.LevelDebug)
		jww.SetFlags(log.LstdFlags | log.Lmicroseconds)
	default:
		jww.SetStdoutThreshold(jww.LevelInfo)
		jww.SetLogThreshold(jww.LevelInfo)
	}
}
