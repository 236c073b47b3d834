package cli

import (
	"bytes"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/tiara/engine/internal/config"
	"github.com/tiara/engine/internal/envelope"
)

var (
	keyFlag    string
	inputFile  string
	keyBase64  bool
	rawPayload bool
)

var encryptCmd = &cobra.Command{
	Use:   "encrypt [json]",
	Short: "Seal a task request into an envelope",
	Long: `Seal a JSON task request into a base64 envelope.

The request is read from the argument, from --file, or from stdin.
The key comes from --key or TIARA_SYNC_KEY.

Examples:
  engine encrypt '{"task":"ssl_deploy","log_id":1,"data":{}}'
  engine encrypt --file request.json --raw`,
	Args: cobra.MaximumNArgs(1),
	RunE: runEncrypt,
}

var decryptCmd = &cobra.Command{
	Use:   "decrypt [envelope]",
	Short: "Open an envelope and print the task request",
	Long: `Open a base64 envelope and print its JSON body.

The envelope is read from the argument, from --file, or from stdin.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runDecrypt,
}

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate a new 256-bit sync key",
	Args:  cobra.NoArgs,
	RunE:  runKeygen,
}

func init() {
	for _, cmd := range []*cobra.Command{encryptCmd, decryptCmd} {
		cmd.Flags().StringVarP(&keyFlag, "key", "k", "", "Sync key (64 hex chars or base64:...)")
		cmd.Flags().StringVarP(&inputFile, "file", "f", "", "Read input from file")
	}
	encryptCmd.Flags().BoolVar(&rawPayload, "raw", false, "Print only the envelope instead of a request body")
	keygenCmd.Flags().BoolVar(&keyBase64, "base64", false, "Print the key as base64:... instead of hex")
	rootCmd.AddCommand(encryptCmd, decryptCmd, keygenCmd)
}

func resolveKey() ([]byte, error) {
	raw := keyFlag
	if raw == "" {
		_ = godotenv.Load()
		raw = os.Getenv("TIARA_SYNC_KEY")
		if raw == "" {
			raw = os.Getenv("TIARA_SYNC_KEY_HEX")
		}
	}
	if raw == "" {
		return nil, fmt.Errorf("no key: pass --key or set TIARA_SYNC_KEY")
	}
	return config.ParseKey(raw)
}

func readInput(cmd *cobra.Command, args []string) ([]byte, error) {
	switch {
	case len(args) == 1:
		return []byte(args[0]), nil
	case inputFile != "":
		return os.ReadFile(inputFile)
	default:
		return io.ReadAll(cmd.InOrStdin())
	}
}

func newCipher() (*envelope.Cipher, error) {
	key, err := resolveKey()
	if err != nil {
		return nil, err
	}
	return envelope.NewCipher(key)
}

func runEncrypt(cmd *cobra.Command, args []string) error {
	c, err := newCipher()
	if err != nil {
		return err
	}
	in, err := readInput(cmd, args)
	if err != nil {
		return err
	}
	in = bytes.TrimSpace(in)
	if !json.Valid(in) {
		return fmt.Errorf("input is not valid JSON")
	}
	env, err := c.Seal(in)
	if err != nil {
		return err
	}
	if rawPayload {
		plain(cmd.OutOrStdout(), "%s", env)
		return nil
	}
	body, err := json.Marshal(map[string]string{"payload": env})
	if err != nil {
		return err
	}
	plain(cmd.OutOrStdout(), "%s", body)
	return nil
}

func runDecrypt(cmd *cobra.Command, args []string) error {
	c, err := newCipher()
	if err != nil {
		return err
	}
	in, err := readInput(cmd, args)
	if err != nil {
		return err
	}
	env := strings.TrimSpace(string(in))
	// Accept a whole request body as well as a bare envelope.
	var body struct {
		Payload string `json:"payload"`
	}
	if json.Unmarshal([]byte(env), &body) == nil && body.Payload != "" {
		env = body.Payload
	}
	var doc any
	if err := c.DecryptInto(env, &doc); err != nil {
		return err
	}
	out, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}
	plain(cmd.OutOrStdout(), "%s", out)
	return nil
}

func runKeygen(cmd *cobra.Command, _ []string) error {
	key := make([]byte, envelope.KeySize)
	if _, err := rand.Read(key); err != nil {
		return fmt.Errorf("generate key: %w", err)
	}
	if keyBase64 {
		plain(cmd.OutOrStdout(), "base64:%s", base64.StdEncoding.EncodeToString(key))
	} else {
		plain(cmd.OutOrStdout(), "%s", hex.EncodeToString(key))
	}
	warn(cmd.ErrOrStderr(), "Store this key as TIARA_SYNC_KEY on both the engine and the deployment manager.")
	return nil
}
