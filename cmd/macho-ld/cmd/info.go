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
	"os"
	"path/filepath"

	"github.com/apex/log"
	"github.com/blacktop/macho-ld/internal/ld"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(infoCmd)
}

// infoCmd represents the info command
var infoCmd = &cobra.Command{
	Use:           "info <MACHO>",
	Short:         "Show the segment geometry the incremental writer tracks",
	Args:          cobra.ExactArgs(1),
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		if Verbose {
			log.SetLevel(log.DebugLevel)
		}

		f, err := os.Open(filepath.Clean(args[0]))
		if err != nil {
			return err
		}
		defer f.Close()

		img, err := ld.ParseFromFile(f)
		if err != nil {
			return err
		}

		fmt.Printf("%s: %d load commands\n", filepath.Base(args[0]), img.NumLoadCommands())
		for _, seg := range img.Segments() {
			fmt.Printf("  %-12s addr=0x%09x vmsize=%-8s off=0x%08x filesize=%s\n",
				seg.Name, seg.Addr, humanize.Bytes(seg.VMSize), seg.Offset, humanize.Bytes(seg.FileSize))
			for _, sect := range seg.Sections {
				fmt.Printf("    %-10s addr=0x%09x size=%-8s off=0x%08x\n",
					sect.Name, sect.Addr, humanize.Bytes(sect.Size), sect.Offset)
			}
		}
		if off, size, ok := img.CodeSignature(); ok {
			fmt.Printf("  code signature: off=0x%08x size=%s\n", off, humanize.Bytes(uint64(size)))
		} else {
			fmt.Println("  code signature: none")
		}
		return nil
	},
}
