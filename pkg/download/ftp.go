// SPDX-FileCopyrightText: 2026 Crystal contributors
//
// SPDX-License-Identifier: Apache-2.0

package download

import (
	"bufio"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// fetchFTP retrieves a file over anonymous FTP (passive mode). FTP
// revisions carry no HTTP metadata.
func fetchFTP(u *url.URL) *Result {
	host := u.Host
	if u.Port() == "" {
		host = net.JoinHostPort(u.Hostname(), "21")
	}
	conn, err := net.DialTimeout("tcp", host, requestTimeout)
	if err != nil {
		return errorResult(errTypeRequestFailed, err.Error())
	}
	c := &ftpConn{conn: conn, r: bufio.NewReader(conn)}

	fail := func(err error) *Result {
		conn.Close()
		return errorResult(errTypeRequestFailed, err.Error())
	}

	if _, err := c.readReply(); err != nil {
		return fail(err)
	}
	user, pass := "anonymous", "anonymous@"
	if u.User != nil {
		user = u.User.Username()
		if p, ok := u.User.Password(); ok {
			pass = p
		}
	}
	if code, err := c.cmd("USER %s", user); err != nil {
		return fail(err)
	} else if code == 331 {
		if _, err := c.cmd("PASS %s", pass); err != nil {
			return fail(err)
		}
	}
	if _, err := c.cmd("TYPE I"); err != nil {
		return fail(err)
	}

	dataAddr, err := c.passive()
	if err != nil {
		return fail(err)
	}
	dataConn, err := net.DialTimeout("tcp", dataAddr, requestTimeout)
	if err != nil {
		return fail(err)
	}
	if _, err := c.cmd("RETR %s", u.Path); err != nil {
		dataConn.Close()
		return fail(err)
	}

	return &Result{Body: &ftpBody{data: dataConn, ctrl: conn}}
}

type ftpConn struct {
	conn      net.Conn
	r         *bufio.Reader
	lastReply string
}

func (c *ftpConn) cmd(format string, args ...interface{}) (int, error) {
	c.conn.SetDeadline(time.Now().Add(requestTimeout))
	if _, err := fmt.Fprintf(c.conn, format+"\r\n", args...); err != nil {
		return 0, err
	}
	return c.readReply()
}

func (c *ftpConn) readReply() (int, error) {
	c.conn.SetDeadline(time.Now().Add(requestTimeout))
	line, err := c.r.ReadString('\n')
	if err != nil {
		return 0, err
	}
	if len(line) < 4 {
		return 0, fmt.Errorf("short FTP reply %q", line)
	}
	// multi-line replies end with "<code> "
	if line[3] == '-' {
		prefix := line[:3] + " "
		for {
			next, err := c.r.ReadString('\n')
			if err != nil {
				return 0, err
			}
			if strings.HasPrefix(next, prefix) {
				line = next
				break
			}
		}
	}
	code, err := strconv.Atoi(line[:3])
	if err != nil {
		return 0, fmt.Errorf("malformed FTP reply %q", line)
	}
	if code >= 400 {
		return code, fmt.Errorf("FTP error: %s", strings.TrimSpace(line))
	}
	c.lastReply = strings.TrimSpace(line)
	return code, nil
}

// passive issues PASV and decodes the data-connection address.
func (c *ftpConn) passive() (string, error) {
	if _, err := c.cmd("PASV"); err != nil {
		return "", err
	}
	open := strings.Index(c.lastReply, "(")
	clos := strings.Index(c.lastReply, ")")
	if open < 0 || clos < open {
		return "", fmt.Errorf("malformed PASV reply %q", c.lastReply)
	}
	parts := strings.Split(c.lastReply[open+1:clos], ",")
	if len(parts) != 6 {
		return "", fmt.Errorf("malformed PASV reply %q", c.lastReply)
	}
	var nums [6]int
	for i, s := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(s))
		if err != nil {
			return "", fmt.Errorf("malformed PASV reply %q", c.lastReply)
		}
		nums[i] = n
	}
	host := fmt.Sprintf("%d.%d.%d.%d", nums[0], nums[1], nums[2], nums[3])
	port := nums[4]<<8 | nums[5]
	return net.JoinHostPort(host, strconv.Itoa(port)), nil
}

// ftpBody closes both the data and control connections when the caller is
// done streaming.
type ftpBody struct {
	data net.Conn
	ctrl net.Conn
}

func (b *ftpBody) Read(p []byte) (int, error) { return b.data.Read(p) }

func (b *ftpBody) Close() error {
	b.data.Close()
	return b.ctrl.Close()
}
