package archive

import (
	"bytes"
	"fmt"

	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/source"
	"github.com/xitongsys/parquet-go/writer"
)

// Record is one market row in an archived parquet sample.
type Record struct {
	Class            string  `parquet:"name=class, type=BYTE_ARRAY, convertedtype=UTF8"`
	ID               string  `parquet:"name=id, type=BYTE_ARRAY, convertedtype=UTF8"`
	Symbol           string  `parquet:"name=symbol, type=BYTE_ARRAY, convertedtype=UTF8"`
	Pair             string  `parquet:"name=pair, type=BYTE_ARRAY, convertedtype=UTF8"`
	Timestamp        int64   `parquet:"name=timestamp, type=INT64"`
	LastPrice        float64 `parquet:"name=last_price, type=DOUBLE"`
	MarkPrice        float64 `parquet:"name=mark_price, type=DOUBLE"`
	Change24h        float64 `parquet:"name=change_24h, type=DOUBLE"`
	ChangePercent24h float64 `parquet:"name=change_percent_24h, type=DOUBLE"`
	Volume24h        float64 `parquet:"name=volume_24h, type=DOUBLE"`
	OpenInterest     float64 `parquet:"name=open_interest, type=DOUBLE"`
	Funding8h        float64 `parquet:"name=funding_8h, type=DOUBLE"`
	MarketCap        float64 `parquet:"name=market_cap, type=DOUBLE"`
}

// memoryFile implements the ParquetFile interface over a byte buffer so a
// whole sample can be encoded without touching disk.
type memoryFile struct {
	buffer *bytes.Buffer
}

func newMemoryFile() *memoryFile {
	return &memoryFile{buffer: &bytes.Buffer{}}
}

func (mf *memoryFile) Create(name string) (source.ParquetFile, error) {
	return mf, nil
}

func (mf *memoryFile) Open(name string) (source.ParquetFile, error) {
	return mf, nil
}

func (mf *memoryFile) Seek(offset int64, whence int) (int64, error) {
	return int64(mf.buffer.Len()), nil
}

func (mf *memoryFile) Read(b []byte) (int, error) {
	return mf.buffer.Read(b)
}

func (mf *memoryFile) Write(b []byte) (int, error) {
	return mf.buffer.Write(b)
}

func (mf *memoryFile) Close() error {
	return nil
}

func (mf *memoryFile) Bytes() []byte {
	return mf.buffer.Bytes()
}

// encodeParquet serializes records into a snappy-compressed parquet object.
func encodeParquet(records []Record) ([]byte, error) {
	mf := newMemoryFile()

	pw, err := writer.NewParquetWriter(mf, new(Record), 4)
	if err != nil {
		return nil, fmt.Errorf("create parquet writer: %w", err)
	}
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	for _, rec := range records {
		if err := pw.Write(rec); err != nil {
			pw.WriteStop()
			return nil, fmt.Errorf("write parquet record: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		return nil, fmt.Errorf("finalize parquet file: %w", err)
	}
	return mf.Bytes(), nil
}
