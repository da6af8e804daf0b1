package main

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"txrelay/internal/network"
	"txrelay/internal/proto"
)

const requestTimeout = 30 * time.Second

func main() {
	os.Exit(run(os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}

func run(args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	if len(args) == 0 || args[0] == "--help" || args[0] == "-h" {
		printUsage(stdout)
		return 0
	}
	var err error
	switch args[0] {
	case "send":
		err = runSend(args[1:], stdin, stdout, stderr)
	case "receive":
		err = runReceive(args[1:], stdout, stderr)
	case "delete":
		err = runDelete(args[1:], stderr)
	case "upcheck":
		err = runUpcheck(args[1:], stdout, stderr)
	default:
		fmt.Fprintf(stderr, "unknown command: %s\n", args[0])
		printUsage(stderr)
		return 1
	}
	if err != nil {
		if !errors.Is(err, flag.ErrHelp) {
			fmt.Fprintf(stderr, "%s: %v\n", args[0], err)
		}
		return 1
	}
	return 0
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "usage: txrelay <send|receive|delete|upcheck> --node <url> [args]")
	fmt.Fprintln(w, "  send     --to <key,...> [--from <key>] [--in <file>|-]   prints the transaction hash")
	fmt.Fprintln(w, "  receive  --key <hash> [--to <key>] [--out <file>]")
	fmt.Fprintln(w, "  delete   --key <hash>")
	fmt.Fprintln(w, "  upcheck")
	fmt.Fprintln(w, "node urls: http://host:port, https://host:port or quic://host:port")
}

// client speaks to one relay over REST or QUIC.
type client struct {
	node *url.URL
	http *http.Client
	quic *network.Client
}

func newClient(raw string, insecure bool) (*client, error) {
	if raw == "" {
		return nil, errors.New("missing --node")
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return nil, fmt.Errorf("bad node url %q", raw)
	}
	c := &client{node: u}
	switch u.Scheme {
	case network.SchemeHTTP, network.SchemeHTTPS:
		c.http = &http.Client{Timeout: requestTimeout}
	case network.SchemeQUIC:
		q, err := network.NewClient(network.TLSOptions{Insecure: insecure})
		if err != nil {
			return nil, err
		}
		c.quic = q
	default:
		return nil, fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	return c, nil
}

func (c *client) Close() {
	if c.quic != nil {
		_ = c.quic.Close()
	}
}

func (c *client) endpoint(path string) string {
	u := *c.node
	u.Path = strings.TrimRight(u.Path, "/") + path
	return u.String()
}

func (c *client) do(ctx context.Context, method, path string, body []byte, hdr map[string]string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.endpoint(path), bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	out, err := io.ReadAll(io.LimitReader(resp.Body, proto.MaxFrameSize))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg := strings.TrimSpace(string(out))
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return nil, fmt.Errorf("http %d: %s", resp.StatusCode, msg)
	}
	return out, nil
}

func (c *client) exchange(ctx context.Context, msg any, want string, out any) error {
	req, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	resp, err := c.quic.Exchange(ctx, c.node.Host, req)
	if err != nil {
		return err
	}
	switch t := proto.PeekType(resp); t {
	case want:
		if out == nil {
			return nil
		}
		return json.Unmarshal(resp, out)
	case proto.MsgTypeError:
		var em proto.ErrorMsg
		if err := json.Unmarshal(resp, &em); err != nil {
			return fmt.Errorf("undecodable error reply")
		}
		return em.Err()
	default:
		return fmt.Errorf("unexpected reply type %s", t)
	}
}

func (c *client) Send(ctx context.Context, req proto.SendRequest) (string, error) {
	if c.quic != nil {
		var ok proto.SendOKMsg
		err := c.exchange(ctx, proto.SendMsg{Type: proto.MsgTypeSend, SendRequest: req}, proto.MsgTypeSendOK, &ok)
		return ok.Key, err
	}
	body, err := json.Marshal(req)
	if err != nil {
		return "", err
	}
	out, err := c.do(ctx, http.MethodPost, "/send", body, map[string]string{"Content-Type": "application/json"})
	if err != nil {
		return "", err
	}
	var resp proto.SendResponse
	if err := json.Unmarshal(out, &resp); err != nil {
		return "", err
	}
	return resp.Key, nil
}

func (c *client) Receive(ctx context.Context, key, to string) ([]byte, error) {
	if c.quic != nil {
		var ok proto.ReceiveOKMsg
		if err := c.exchange(ctx, proto.ReceiveMsg{Type: proto.MsgTypeReceive, Key: key, To: to}, proto.MsgTypeReceiveOK, &ok); err != nil {
			return nil, err
		}
		return base64.StdEncoding.DecodeString(ok.Payload)
	}
	hdr := map[string]string{"c11n-key": key}
	if to != "" {
		hdr["c11n-to"] = to
	}
	return c.do(ctx, http.MethodGet, "/receiveraw", nil, hdr)
}

func (c *client) Delete(ctx context.Context, key string) error {
	if c.quic != nil {
		return errors.New("delete is only served over REST")
	}
	_, err := c.do(ctx, http.MethodDelete, "/transaction/"+key, nil, nil)
	return err
}

func (c *client) Upcheck(ctx context.Context) (string, error) {
	if c.quic != nil {
		if err := c.exchange(ctx, proto.UpcheckMsg{Type: proto.MsgTypeUpcheck}, proto.MsgTypeUpcheckOK, nil); err != nil {
			return "", err
		}
		return proto.UpcheckReply, nil
	}
	out, err := c.do(ctx, http.MethodGet, "/upcheck", nil, nil)
	return string(out), err
}

func commonFlags(name string, stderr io.Writer) (*flag.FlagSet, *string, *bool) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(stderr)
	node := fs.String("node", os.Getenv("TXRELAY_NODE"), "relay url")
	insecure := fs.Bool("insecure", false, "skip quic certificate checks")
	return fs, node, insecure
}

func runSend(args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	fs, node, insecure := commonFlags("send", stderr)
	to := fs.String("to", "", "comma separated recipient public keys")
	from := fs.String("from", "", "sender public key held by the relay")
	in := fs.String("in", "-", "payload file, - for stdin")
	if err := fs.Parse(args); err != nil {
		return err
	}
	var payload []byte
	var err error
	if *in == "-" {
		payload, err = io.ReadAll(io.LimitReader(stdin, proto.MaxFrameSize))
	} else {
		payload, err = os.ReadFile(*in)
	}
	if err != nil {
		return err
	}
	c, err := newClient(*node, *insecure)
	if err != nil {
		return err
	}
	defer c.Close()
	req := proto.SendRequest{Payload: base64.StdEncoding.EncodeToString(payload), From: *from}
	for _, k := range strings.Split(*to, ",") {
		if k = strings.TrimSpace(k); k != "" {
			req.To = append(req.To, k)
		}
	}
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	key, err := c.Send(ctx, req)
	if err != nil {
		return err
	}
	fmt.Fprintln(stdout, key)
	return nil
}

func runReceive(args []string, stdout, stderr io.Writer) error {
	fs, node, insecure := commonFlags("receive", stderr)
	key := fs.String("key", "", "transaction hash")
	to := fs.String("to", "", "local recipient key; empty tries every key")
	out := fs.String("out", "", "write the payload to a file instead of stdout")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *key == "" {
		return errors.New("missing --key")
	}
	c, err := newClient(*node, *insecure)
	if err != nil {
		return err
	}
	defer c.Close()
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	payload, err := c.Receive(ctx, *key, *to)
	if err != nil {
		return err
	}
	if *out != "" {
		return os.WriteFile(*out, payload, 0600)
	}
	_, err = stdout.Write(payload)
	return err
}

func runDelete(args []string, stderr io.Writer) error {
	fs, node, insecure := commonFlags("delete", stderr)
	key := fs.String("key", "", "transaction hash")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *key == "" {
		return errors.New("missing --key")
	}
	c, err := newClient(*node, *insecure)
	if err != nil {
		return err
	}
	defer c.Close()
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	return c.Delete(ctx, *key)
}

func runUpcheck(args []string, stdout, stderr io.Writer) error {
	fs, node, insecure := commonFlags("upcheck", stderr)
	if err := fs.Parse(args); err != nil {
		return err
	}
	c, err := newClient(*node, *insecure)
	if err != nil {
		return err
	}
	defer c.Close()
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	reply, err := c.Upcheck(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintln(stdout, reply)
	return nil
}
