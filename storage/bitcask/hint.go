package bitcask

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/golang/snappy"
	"github.com/hashicorp/go-msgpack/v2/codec"

	"github.com/forever-free1/TideCask/storage"
)

// HintSuffix 是 hint 文件的固定后缀
const HintSuffix = ".bitcask.hint"

// errStaleHint 表示 hint 文件记录的数据文件大小与实际不一致
var errStaleHint = errors.New("stale hint file")

// HintName 根据文件 ID 生成 hint 文件名
func HintName(id uint32) string {
	return fmt.Sprintf("%010d%s", id, HintSuffix)
}

// hintRecord 是 hint 文件中的一条 key -> 位置记录
type hintRecord struct {
	Key       []byte `codec:"k"`
	Offset    int64  `codec:"o"`
	Size      uint32 `codec:"s"`
	Timestamp uint32 `codec:"t"`
}

// hintFile 是某个数据文件的索引快照
// 格式：| CRC32 (4B) | snappy(msgpack(hintFile)) |
type hintFile struct {
	SegmentSize int64        `codec:"segment_size"`
	Records     []hintRecord `codec:"records"`
}

// writeHint 为合并生成的数据文件写入 hint 文件
// 先写临时文件再重命名，打开时不会看到写了一半的 hint
func writeHint(dir string, seg *Segment, entries []*Entry, positions []*storage.Position) error {
	hint := hintFile{
		SegmentSize: seg.Size(),
		Records:     make([]hintRecord, len(entries)),
	}
	for i, e := range entries {
		hint.Records[i] = hintRecord{
			Key:       e.Key,
			Offset:    positions[i].Offset,
			Size:      positions[i].Size,
			Timestamp: positions[i].Timestamp,
		}
	}

	var raw bytes.Buffer
	if err := codec.NewEncoder(&raw, &codec.MsgpackHandle{}).Encode(&hint); err != nil {
		return fmt.Errorf("编码 hint 文件失败: %w", err)
	}
	body := snappy.Encode(nil, raw.Bytes())

	data := make([]byte, 4+len(body))
	binary.BigEndian.PutUint32(data[0:4], crc32.ChecksumIEEE(body))
	copy(data[4:], body)

	path := filepath.Join(dir, HintName(seg.ID()))
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return ioError("写入 hint 文件", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return ioError("重命名 hint 文件", err)
	}
	return nil
}

// readHint 读取并校验 hint 文件
// segmentSize 与 hint 中记录的大小不一致时返回 errStaleHint
func readHint(dir string, id uint32, segmentSize int64) (*hintFile, error) {
	data, err := os.ReadFile(filepath.Join(dir, HintName(id)))
	if err != nil {
		return nil, err
	}
	if len(data) < 4 {
		return nil, fmt.Errorf("%w: hint 文件过短", storage.ErrDataCorruption)
	}
	body := data[4:]
	if crc32.ChecksumIEEE(body) != binary.BigEndian.Uint32(data[0:4]) {
		return nil, fmt.Errorf("%w: hint 文件 CRC 校验失败", storage.ErrDataCorruption)
	}

	raw, err := snappy.Decode(nil, body)
	if err != nil {
		return nil, fmt.Errorf("%w: 解压 hint 文件失败: %w", storage.ErrDataCorruption, err)
	}
	var hint hintFile
	if err := codec.NewDecoderBytes(raw, &codec.MsgpackHandle{}).Decode(&hint); err != nil {
		return nil, fmt.Errorf("%w: 解码 hint 文件失败: %w", storage.ErrDataCorruption, err)
	}
	if hint.SegmentSize != segmentSize {
		return nil, errStaleHint
	}
	return &hint, nil
}

// removeHint 删除 hint 文件，文件不存在不算错误
func removeHint(dir string, id uint32) error {
	err := os.Remove(filepath.Join(dir, HintName(id)))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return ioError("删除 hint 文件", err)
	}
	return nil
}
