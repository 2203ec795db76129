package main

import (
	"encoding/base64"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/openmined/onefilesync/internal/integrity"
	"github.com/openmined/onefilesync/internal/listener"
	"github.com/spf13/cobra"
)

var (
	red   = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	green = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	cyan  = lipgloss.NewStyle().Foreground(lipgloss.Color("14"))
	gray  = lipgloss.NewStyle().Foreground(lipgloss.Color("242"))
)

func newProbeCmd() *cobra.Command {
	var addr string
	var sendFile string
	var outFile string
	var timeout time.Duration

	probeCmd := &cobra.Command{
		Use:   "probe [command]",
		Short: "Send one command to a listener and print the reply",
		Example: `  onefilesync probe REQMD5
  onefilesync probe --send ./testfile.txt
  onefilesync probe FILEREQUEST --out ./copy.txt`,
		Args: cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			cmd.SilenceUsage = true

			if addr == "" {
				addr = net.JoinHostPort("127.0.0.1", strconv.Itoa(cfg.Port))
			}

			plaintext := listener.TokenRequestDigest
			if len(args) > 0 {
				plaintext = strings.Join(args, " ")
			}
			if sendFile != "" {
				data, err := os.ReadFile(sendFile)
				if err != nil {
					return err
				}
				plaintext = listener.FileSendCommand(integrity.BytesDigest(data), base64.StdEncoding.EncodeToString(data))
			}

			client := listener.NewClient(addr, newEnvelope(cfg), timeout)
			reply, err := client.Exchange(cmd.Context(), plaintext)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if reply == "" {
				fmt.Fprintln(out, gray.Render("no reply"))
				return nil
			}

			resp, err := listener.ParseResponse(reply)
			if err != nil {
				fmt.Fprintln(out, red.Render(reply))
				return err
			}
			return printResponse(cmd, resp, outFile)
		},
	}

	probeCmd.Flags().StringVarP(&addr, "addr", "a", "", "Listener address (default 127.0.0.1:<port>)")
	probeCmd.Flags().StringVar(&sendFile, "send", "", "Send this file with FILESEND")
	probeCmd.Flags().StringVarP(&outFile, "out", "o", "", "Write the file returned by FILEREQUEST here")
	probeCmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "Connection timeout")
	return probeCmd
}

func printResponse(cmd *cobra.Command, resp listener.Response, outFile string) error {
	out := cmd.OutOrStdout()

	switch resp.Kind {
	case listener.CurrentDigest:
		fmt.Fprintf(out, "%s %s\n", green.Render(listener.TokenCurrentDigest), cyan.Render(resp.Digest.String()))
	case listener.ReceivedOK:
		fmt.Fprintln(out, green.Render(resp.String()))
	case listener.FileSend:
		data, err := base64.StdEncoding.DecodeString(resp.Payload)
		if err != nil {
			return fmt.Errorf("decode payload: %w", err)
		}
		if got := integrity.BytesDigest(data); !got.Equal(resp.Digest) {
			fmt.Fprintln(out, red.Render("digest mismatch"), gray.Render(got.String()+" != "+resp.Digest.String()))
			return fmt.Errorf("received file digest %s does not match %s", got, resp.Digest)
		}
		fmt.Fprintf(out, "%s %s %s\n", green.Render(listener.TokenListenerSend), cyan.Render(resp.Digest.String()), gray.Render(humanize.IBytes(uint64(len(data)))))
		if outFile != "" {
			if err := os.WriteFile(outFile, data, 0o644); err != nil {
				return err
			}
			fmt.Fprintln(out, gray.Render("written to "+outFile))
		}
	case listener.RecentlyChanged:
		fmt.Fprintln(out, cyan.Render(resp.String()))
	default:
		fmt.Fprintln(out, red.Render(resp.String()))
	}
	return nil
}

