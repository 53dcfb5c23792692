// Copyright © 2024 OpenRad <dev@openrad.io>
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in
// all copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
// THE SOFTWARE.

package cmd

import (
	"fmt"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/openrad/dicombridge/common"
	"github.com/openrad/dicombridge/engine"
)

// validate loads the configuration the same way run does, including the
// per-AE processor settings, so a bad file is caught before a deploy.
var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the configuration file without starting the bridge",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := common.LoadConfig(configPath)
		if err != nil {
			return err
		}
		for _, ae := range cfg.CalledAEs {
			if _, err := engine.ParseSettings(ae.ProcessorConfig); err != nil {
				return errors.Wrapf(err, "called AE %q", ae.Name)
			}
		}
		fmt.Printf("%s: configuration OK (%d called AEs)\n", configPath, len(cfg.CalledAEs))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(validateCmd)
}
