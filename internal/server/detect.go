package server

import (
	"bufio"
	"bytes"
	"errors"
	"io"

	"golang.org/x/net/http2"
)

var errBadPreface = errors.New("invalid http/2 client preface")

// detectPreface 窥视首字节判断明文连接是否为 HTTP/2 prior knowledge，不消费任何字节。
func detectPreface(br *bufio.Reader) (bool, error) {
	head, err := br.Peek(4)
	if err != nil {
		return false, err
	}
	if !bytes.Equal(head, []byte("PRI ")) {
		return false, nil
	}
	full, err := br.Peek(len(http2.ClientPreface))
	if err != nil {
		return false, err
	}
	return string(full) == http2.ClientPreface, nil
}

// readClientPreface 消费并校验 24 字节的 HTTP/2 连接前言。
func readClientPreface(br *bufio.Reader) error {
	buf := make([]byte, len(http2.ClientPreface))
	if _, err := io.ReadFull(br, buf); err != nil {
		return err
	}
	if string(buf) != http2.ClientPreface {
		return errBadPreface
	}
	return nil
}
