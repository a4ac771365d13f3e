package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/closedclaw/core/pkg/crypto"
	"github.com/closedclaw/core/pkg/nonce"
	"github.com/closedclaw/core/pkg/tpc"
	"github.com/closedclaw/core/pkg/types"
)

var tpcCmd = &cobra.Command{
	Use:   "tpc",
	Short: "Encode or decode Tonal Pulse Communication messages",
}

var tpcEncodeCmd = &cobra.Command{
	Use:   "encode PAYLOAD",
	Short: "Sign, FEC-protect, and AFSK-modulate a payload into a WAV file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		payload := args[0]
		source, _ := cmd.Flags().GetString("source")
		target, _ := cmd.Flags().GetString("target")
		keyDir, _ := cmd.Flags().GetString("key-dir")
		out, _ := cmd.Flags().GetString("out")
		ultrasonic, _ := cmd.Flags().GetBool("ultrasonic")

		pub, priv, err := crypto.LoadOrCreate(keyDir)
		if err != nil {
			return fmt.Errorf("load signing key: %w", err)
		}
		_ = pub

		rt := tpc.New(tpc.Config{
			Signer:        crypto.NewEd25519Signer(priv, pub),
			Scheme:        types.SchemeEd25519,
			MaxMessageAge: 5 * time.Minute,
		})

		mode := tpc.ModeAudible
		if ultrasonic {
			mode = tpc.ModeUltrasonic
		}

		res, err := rt.Encode(source, target, payload, mode)
		if err != nil {
			return fmt.Errorf("encode: %w", err)
		}

		if err := os.WriteFile(out, res.WAV, 0644); err != nil {
			return fmt.Errorf("write wav: %w", err)
		}

		fmt.Printf("encoded message %s -> %s\n", res.Envelope.Envelope.MessageID, out)
		return nil
	},
}

var tpcDecodeCmd = &cobra.Command{
	Use:   "decode WAVFILE",
	Short: "Demodulate, FEC-correct, and verify a WAV message",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		wavPath := args[0]
		keyDir, _ := cmd.Flags().GetString("key-dir")
		noncePath, _ := cmd.Flags().GetString("nonce-store")
		ultrasonic, _ := cmd.Flags().GetBool("ultrasonic")

		data, err := os.ReadFile(wavPath)
		if err != nil {
			return fmt.Errorf("read wav: %w", err)
		}

		pub, priv, err := crypto.LoadOrCreate(keyDir)
		if err != nil {
			return fmt.Errorf("load signing key: %w", err)
		}

		ns, err := nonce.Open(noncePath, 24*time.Hour, 10000)
		if err != nil {
			return fmt.Errorf("open nonce store: %w", err)
		}
		defer ns.Flush()

		rt := tpc.New(tpc.Config{
			Signer:        crypto.NewEd25519Signer(priv, pub),
			Scheme:        types.SchemeEd25519,
			Nonces:        ns,
			MaxMessageAge: 5 * time.Minute,
		})

		mode := tpc.ModeAudible
		if ultrasonic {
			mode = tpc.ModeUltrasonic
		}

		res, err := rt.Decode(data, mode, time.Now())
		if err != nil {
			return fmt.Errorf("decode: %w", err)
		}

		fmt.Printf("payload:         %s\n", res.Payload)
		fmt.Printf("signature_valid: %t\n", res.SignatureValid)
		fmt.Printf("fresh:           %t\n", res.Fresh)
		fmt.Printf("nonce_unique:    %t\n", res.NonceUnique)
		return nil
	},
}

func init() {
	tpcCmd.AddCommand(tpcEncodeCmd)
	tpcCmd.AddCommand(tpcDecodeCmd)

	tpcEncodeCmd.Flags().String("source", "operator", "Source agent id")
	tpcEncodeCmd.Flags().String("target", "agent", "Target agent id")
	tpcEncodeCmd.Flags().String("key-dir", "./closedclaw-keys", "Directory holding the Ed25519 signing key")
	tpcEncodeCmd.Flags().String("out", "message.wav", "Output WAV file path")
	tpcEncodeCmd.Flags().Bool("ultrasonic", false, "Use ultrasonic AFSK parameters instead of audible")

	tpcDecodeCmd.Flags().String("key-dir", "./closedclaw-keys", "Directory holding the Ed25519 verification key")
	tpcDecodeCmd.Flags().String("nonce-store", "./closedclaw-nonces.json", "Path to the nonce replay-detection store")
	tpcDecodeCmd.Flags().Bool("ultrasonic", false, "Use ultrasonic AFSK parameters instead of audible")
}
