// SPDX-FileCopyrightText: Copyright (C) 2026 Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

package main

import (
	"encoding/base64"
	"fmt"
	"io"

	"github.com/katzenpost/hpqc/rand"
	"github.com/spf13/cobra"

	"github.com/katzenpost/detour/core/wire"
)

func newGenKeyCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "genkey",
		Short: "Generate a Noise X25519 static keypair",
		Long: `genkey prints a new X25519 keypair in the base64 form used by the
NoisePublicKey and NoisePrivateKey endpoint settings.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return genKey(cmd.OutOrStdout())
		},
	}
}

func genKey(w io.Writer) error {
	kp, err := wire.GenerateKeypair(rand.Reader)
	if err != nil {
		return err
	}
	priv, err := kp.MarshalBinary()
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "NoisePublicKey = %q\n", wire.PublicKeyString(kp.Public()))
	fmt.Fprintf(w, "NoisePrivateKey = %q\n", base64.StdEncoding.EncodeToString(priv))
	return nil
}
