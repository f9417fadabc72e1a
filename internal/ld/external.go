package ld

import (
	"fmt"
	"os"
	"os/exec"

	"github.com/apex/log"
)

// flushWithSystemLinker shells out to the platform linker for a full link,
// then re-parses the result and injects an ad-hoc code signature in place.
func (img *Image) flushWithSystemLinker(m *Module) error {
	args := []string{
		"-o", img.opts.EmitPath,
		"-arch", img.opts.Arch.String(),
		"-platform_version", "macos",
		fmt.Sprintf("%d.%d.%d", img.opts.OSVersion.Major, img.opts.OSVersion.Minor, img.opts.OSVersion.Patch),
		fmt.Sprintf("%d.%d.%d", img.opts.OSVersion.Major, img.opts.OSVersion.Minor, img.opts.OSVersion.Patch),
		"-lSystem",
	}
	if img.opts.SysLibRoot != "" {
		args = append(args, "-syslibroot", img.opts.SysLibRoot)
	}
	args = append(args, img.opts.Objects...)

	log.WithFields(log.Fields{
		"linker": "ld",
		"output": img.opts.EmitPath,
	}).Info("spawning system linker")
	log.Debugf("ld %v", args)

	cmd := exec.Command("ld", args...)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("system linker failed: %v: %s", err, out)
	}

	f, err := os.OpenFile(img.opts.EmitPath, os.O_RDWR, 0)
	if err != nil {
		return fmt.Errorf("failed to reopen linked output: %v", err)
	}
	defer f.Close()

	linked, err := ParseFromFile(f)
	if err != nil {
		return err
	}
	return linked.EnsureCodeSignature()
}
