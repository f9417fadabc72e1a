/*
Copyright © 2023 blacktop

Permission is hereby granted, free of charge, to any person obtaining a copy
of this software and associated documentation files (the "Software"), to deal
in the Software without restriction, including without limitation the rights
to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
copies of the Software, and to permit persons to whom the Software is
furnished to do so, subject to the following conditions:

The above copyright notice and this permission notice shall be included in
all copies or substantial portions of the Software.

THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
THE SOFTWARE.
*/
package cmd

import (
	"github.com/apex/log"
	"github.com/blacktop/macho-ld/internal/ld"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func init() {
	rootCmd.AddCommand(linkCmd)

	linkCmd.Flags().StringP("output", "o", "a.out", "Output executable")
	linkCmd.Flags().StringP("arch", "a", "x86_64", "Target architecture (x86_64, arm64)")
	linkCmd.Flags().String("syslibroot", "", "SDK root passed to the system linker")
	viper.BindPFlag("link.output", linkCmd.Flags().Lookup("output"))
	viper.BindPFlag("link.arch", linkCmd.Flags().Lookup("arch"))
	viper.BindPFlag("link.syslibroot", linkCmd.Flags().Lookup("syslibroot"))
}

// linkCmd represents the link command
var linkCmd = &cobra.Command{
	Use:           "link <OBJECTS>",
	Short:         "Full-link objects with the system linker, then ad-hoc sign",
	Args:          cobra.MinimumNArgs(1),
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		if Verbose {
			log.SetLevel(log.DebugLevel)
		}

		arch, err := ld.ParseArch(viper.GetString("link.arch"))
		if err != nil {
			return err
		}

		opts := &ld.Options{
			Arch:            arch,
			OutputMode:      ld.OutputModeExe,
			EmitPath:        viper.GetString("link.output"),
			UseSystemLinker: true,
			SysLibRoot:      viper.GetString("link.syslibroot"),
			Objects:         args,
		}

		img, err := ld.Open(opts.EmitPath, opts)
		if err != nil {
			return err
		}
		defer img.Close()

		return img.Flush(ld.NewModule())
	},
}
