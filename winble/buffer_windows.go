//go:build windows

package winble

import (
	"github.com/saltosystems/winrt-go/windows/storage/streams"
)

// bytesToBuffer builds a Windows.Storage.Streams.IBuffer from a plain byte
// slice via DataWriter, the conversion WinRT's GATT write calls require.
func bytesToBuffer(data []byte) (*streams.IBuffer, error) {
	writer, err := streams.NewDataWriter()
	if err != nil {
		return nil, err
	}
	if err := writer.WriteBytes(data); err != nil {
		return nil, err
	}
	return writer.DetachBuffer()
}

// bufferToBytes drains an IBuffer (as returned by a GATT read result) into
// a plain byte slice via DataReader.
func bufferToBytes(buffer *streams.IBuffer) ([]byte, error) {
	statics, err := streams.GetDataReaderStatics()
	if err != nil {
		return nil, err
	}
	reader, err := statics.FromBuffer(buffer)
	if err != nil {
		return nil, err
	}
	length, err := buffer.GetLength()
	if err != nil {
		return nil, err
	}
	return reader.ReadBytes(length)
}
