package dataset

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

const cifarRecordSize = 1 + CIFARChannels*CIFARHeight*CIFARWidth

var (
	// CIFARTrainFiles are the binary training batches in load order.
	CIFARTrainFiles = []string{"data_batch_1.bin", "data_batch_2.bin", "data_batch_3.bin", "data_batch_4.bin", "data_batch_5.bin"}
	CIFARTestFiles  = []string{"test_batch.bin"}

	errTruncatedRecord = errors.New("truncated CIFAR-10 record")
)

// ReadCIFARBatch decodes a CIFAR-10 binary batch: records of one label byte
// followed by 3072 pixel bytes in channel-major order.
func ReadCIFARBatch(r io.Reader) (Dataset, error) {
	ds := Dataset{
		Shape:   []int{CIFARChannels, CIFARHeight, CIFARWidth},
		Classes: CIFARClasses,
	}

	br := bufio.NewReader(r)
	record := make([]byte, cifarRecordSize)
	for {
		n, err := io.ReadFull(br, record)
		if errors.Is(err, io.EOF) {
			break
		}
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return Dataset{}, fmt.Errorf("%w: got %d of %d bytes after %d records", errTruncatedRecord, n, cifarRecordSize, ds.Len())
		}
		if err != nil {
			return Dataset{}, err
		}

		label := int(record[0])
		if label >= CIFARClasses {
			return Dataset{}, fmt.Errorf("invalid CIFAR-10 label %d in record %d", label, ds.Len())
		}
		x := make([]float32, cifarRecordSize-1)
		for i, b := range record[1:] {
			x[i] = float32(b)
		}
		ds.Examples = append(ds.Examples, x)
		ds.Labels = append(ds.Labels, label)
	}

	return ds, nil
}

// LoadCIFAR10 reads the five training batches and the test batch from dir.
func LoadCIFAR10(dir string) (train, test Dataset, err error) {
	if train, err = loadBatches(dir, CIFARTrainFiles); err != nil {
		return Dataset{}, Dataset{}, err
	}
	if test, err = loadBatches(dir, CIFARTestFiles); err != nil {
		return Dataset{}, Dataset{}, err
	}

	return train, test, nil
}

func loadBatches(dir string, names []string) (Dataset, error) {
	var out Dataset
	for _, name := range names {
		batch, err := readBatchFile(filepath.Join(dir, name))
		if err != nil {
			return Dataset{}, err
		}
		out.Shape, out.Classes = batch.Shape, batch.Classes
		out.Examples = append(out.Examples, batch.Examples...)
		out.Labels = append(out.Labels, batch.Labels...)
	}

	return out, nil
}

func readBatchFile(path string) (Dataset, error) {
	f, err := os.Open(path)
	if err != nil {
		return Dataset{}, fmt.Errorf("failed to open CIFAR-10 batch: %w", err)
	}
	defer f.Close()

	ds, err := ReadCIFARBatch(f)
	if err != nil {
		return Dataset{}, fmt.Errorf("%s: %w", path, err)
	}

	return ds, nil
}
