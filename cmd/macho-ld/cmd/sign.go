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
	"fmt"
	"path/filepath"

	"github.com/AlecAivazis/survey/v2"
	"github.com/apex/log"
	"github.com/blacktop/go-macho"
	"github.com/blacktop/go-macho/pkg/codesign"
	cstypes "github.com/blacktop/go-macho/pkg/codesign/types"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func init() {
	rootCmd.AddCommand(signCmd)

	signCmd.Flags().BoolP("overwrite", "f", false, "Overwrite file")
	signCmd.Flags().StringP("output", "o", "", "Output codesigned file")
	viper.BindPFlag("sign.overwrite", signCmd.Flags().Lookup("overwrite"))
	viper.BindPFlag("sign.output", signCmd.Flags().Lookup("output"))
}

func confirm(path string, overwrite bool) bool {
	if overwrite {
		return true
	}
	yes := false
	prompt := &survey.Confirm{
		Message: fmt.Sprintf("You are about to overwrite %s. Continue?", filepath.Base(path)),
	}
	survey.AskOne(prompt, &yes)
	return yes
}

// signCmd represents the sign command
var signCmd = &cobra.Command{
	Use:           "sign <MACHO>",
	Short:         "Ad-hoc codesign a MachO",
	Args:          cobra.ExactArgs(1),
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		if Verbose {
			log.SetLevel(log.DebugLevel)
		}

		overwrite := viper.GetBool("sign.overwrite")
		output := viper.GetString("sign.output")

		machoPath := filepath.Clean(args[0])

		m, err := macho.Open(machoPath)
		if err != nil {
			return fmt.Errorf("failed to open MachO file: %v", err)
		}
		defer m.Close()

		if err := m.CodeSign(&codesign.Config{Flags: cstypes.ADHOC}); err != nil {
			return fmt.Errorf("failed to codesign MachO file: %v", err)
		}

		if len(output) == 0 {
			output = machoPath
		}
		if machoPath == output {
			if !confirm(output, overwrite) {
				return nil
			}
		}

		log.Infof("Codesigning %s", output)
		if err := m.Save(output); err != nil {
			return fmt.Errorf("failed to save signed MachO file: %v", err)
		}

		return nil
	},
}
