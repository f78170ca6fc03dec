package fabric

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Storage service defaults.
const (
	DefaultMaxConcurrentOperations = 10
	DefaultWriteBufferKiB          = 64
	storageQueueCapacity           = 256
	storageServiceVersion          = "1.0.0"
	storageServiceDescription      = "File storage management service"
)

// OperationType distinguishes queued storage operations.
type OperationType string

const (
	OpWrite  OperationType = "write"
	OpRead   OperationType = "read"
	OpDelete OperationType = "delete"
)

// StorageOperation is one queued unit of disk work.
type StorageOperation struct {
	ID        string
	Type      OperationType
	FilePath  string
	Size      int64
	Data      []byte
	Timestamp time.Time
}

// FileInfo tracks one file the storage service has touched.
type FileInfo struct {
	Path           string
	Size           int64
	CreatedAt      time.Time
	ModifiedAt     time.Time
	PiecesComplete int
	PiecesTotal    int
	IsComplete     bool
}

// DiskIO is the external disk I/O manager: chunk writes are submitted and
// complete asynchronously through the returned future.
type DiskIO interface {
	// WriteBlock schedules one chunk write at the given offset and returns a
	// channel that yields the write's outcome exactly once.
	WriteBlock(path string, offset int64, data []byte) <-chan error
}

// osDiskIO is the fallback DiskIO writing synchronously through the OS.
type osDiskIO struct{}

func (osDiskIO) WriteBlock(path string, offset int64, data []byte) <-chan error {
	done := make(chan error, 1)

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE, 0o644)
	if err != nil {
		done <- err
		return done
	}

	_, err = f.WriteAt(data, offset)
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}

	done <- err

	return done
}

// StorageConfig is read once at service construction.
type StorageConfig struct {
	MaxConcurrentOperations int
	MaxFileSize             int64 // bytes; 0 means unlimited
	WriteBufferKiB          int
}

// DefaultStorageConfig returns the stock storage configuration.
func DefaultStorageConfig() StorageConfig {
	return StorageConfig{
		MaxConcurrentOperations: DefaultMaxConcurrentOperations,
		WriteBufferKiB:          DefaultWriteBufferKiB,
	}
}

// StorageService executes file operations through a bounded queue drained by
// a fixed worker pool. Writes above the buffer size are split into chunks
// submitted to the disk I/O manager; a write succeeds only once every chunk
// future resolved.
type StorageService struct {
	BaseService

	config StorageConfig
	diskIO DiskIO

	mu               sync.Mutex
	files            map[string]*FileInfo
	activeOperations int
	totalOperations  uint64
	successfulOps    uint64
	failedOps        uint64

	totalBytesWritten uint64
	totalBytesRead    uint64

	queue       chan StorageOperation
	queueClosed bool

	cancelWorkers context.CancelFunc
	workers       *errgroup.Group
}

// NewStorageService builds a storage service. A nil diskIO falls back to
// direct OS writes.
func NewStorageService(config StorageConfig, diskIO DiskIO) *StorageService {
	if config.MaxConcurrentOperations <= 0 {
		config.MaxConcurrentOperations = DefaultMaxConcurrentOperations
	}

	if config.WriteBufferKiB <= 0 {
		config.WriteBufferKiB = DefaultWriteBufferKiB
	}

	if diskIO == nil {
		diskIO = osDiskIO{}
	}

	return &StorageService{
		BaseService: NewBaseService("storage_service", storageServiceVersion, storageServiceDescription),
		config:      config,
		diskIO:      diskIO,
		files:       make(map[string]*FileInfo),
	}
}

// Start opens the queue and launches the worker pool.
func (s *StorageService) Start(ctx context.Context) error {
	log.Info("Starting storage service")

	s.mu.Lock()
	s.queue = make(chan StorageOperation, storageQueueCapacity)
	s.queueClosed = false
	s.mu.Unlock()

	workerCtx, cancel := context.WithCancel(ctx)
	s.cancelWorkers = cancel

	group, groupCtx := errgroup.WithContext(workerCtx)
	s.workers = group

	for i := 0; i < s.config.MaxConcurrentOperations; i++ {
		group.Go(func() error {
			s.processOperations(groupCtx)
			return nil
		})
	}

	return nil
}

// Stop closes the queue, cancels the workers, waits for them, and drops the
// file table.
func (s *StorageService) Stop(ctx context.Context) error {
	log.Info("Stopping storage service")

	s.mu.Lock()
	s.queueClosed = true
	queue := s.queue
	s.mu.Unlock()

	if s.cancelWorkers != nil {
		s.cancelWorkers()
		s.cancelWorkers = nil
	}

	if s.workers != nil {
		s.workers.Wait()
		s.workers = nil
	}

	// Drain whatever the workers never reached.
	drained := 0

	if queue != nil {
	drain:
		for {
			select {
			case <-queue:
				s.mu.Lock()
				if s.activeOperations > 0 {
					s.activeOperations--
				}
				s.mu.Unlock()

				drained++

			default:
				break drain
			}
		}
	}

	if drained > 0 {
		log.Debugf("Drained %d operations from queue", drained)
	}

	s.mu.Lock()
	s.files = make(map[string]*FileInfo)
	s.activeOperations = 0
	s.mu.Unlock()

	storageOperationsActive.Set(0)

	return nil
}

// HealthCheck scores the service on its operation success rate.
func (s *StorageService) HealthCheck(ctx context.Context) HealthCheck {
	start := time.Now()

	s.mu.Lock()
	active := s.activeOperations
	total := s.totalOperations
	successful := s.successfulOps
	failed := s.failedOps
	s.mu.Unlock()

	healthy := active <= s.config.MaxConcurrentOperations && (total == 0 || float64(failed) < float64(total)*0.1)

	score := 1.0
	if total > 0 {
		score = float64(successful) / float64(total)
	}

	return HealthCheck{
		ServiceName:  s.Name(),
		Healthy:      healthy,
		Score:        clampScore(score),
		Message:      fmt.Sprintf("Operations: %d/%d, Success rate: %d/%d", active, s.config.MaxConcurrentOperations, successful, total),
		Timestamp:    time.Now(),
		ResponseTime: time.Since(start),
	}
}

func (s *StorageService) processOperations(ctx context.Context) {
	for {
		select {
		case op, ok := <-s.queue:
			if !ok {
				return
			}

			s.executeOperation(op)

		case <-ctx.Done():
			return
		}
	}
}

func (s *StorageService) executeOperation(op StorageOperation) {
	start := time.Now()

	var success bool

	switch op.Type {
	case OpWrite:
		success = s.writeFile(op.FilePath, op.Data)
	case OpRead:
		success = s.readFile(op.FilePath, op.Size)
	case OpDelete:
		success = s.deleteFile(op.FilePath)
	}

	s.mu.Lock()

	if success {
		s.successfulOps++
		storageOperations.WithLabelValues("success").Inc()
	} else {
		s.failedOps++
		storageOperations.WithLabelValues("failure").Inc()
	}

	s.totalOperations++
	s.activeOperations--
	storageOperationsActive.Set(float64(s.activeOperations))
	s.mu.Unlock()

	log.Debugf("Storage operation %s (%s) on %s finished in %s (success=%v)",
		op.ID, op.Type, op.FilePath, time.Since(start), success)
}

// writeFile performs a queued write: size enforcement, directory creation,
// then chunked submission to the disk I/O manager. Every chunk future must
// resolve cleanly before the write counts as successful.
func (s *StorageService) writeFile(filePath string, data []byte) bool {
	size := int64(len(data))

	if s.config.MaxFileSize > 0 && size > s.config.MaxFileSize {
		log.Warnf("File size %d exceeds maximum %d, rejecting write to %s", size, s.config.MaxFileSize, filePath)
		return false
	}

	err := os.MkdirAll(filepath.Dir(filePath), 0o755)
	if err != nil {
		log.Errorf("Failed to create directory for %s: %v", filePath, err)
		return false
	}

	if size == 0 {
		f, err := os.OpenFile(filePath, os.O_WRONLY|os.O_CREATE, 0o644)
		if err != nil {
			log.Errorf("Failed to create %s: %v", filePath, err)
			return false
		}

		f.Close()
		s.trackFile(filePath, 0)

		return true
	}

	chunkSize := int64(s.config.WriteBufferKiB) * 1024
	if chunkSize < 1024 {
		chunkSize = 1024
	}

	var futures []<-chan error

	for offset := int64(0); offset < size; offset += chunkSize {
		end := offset + chunkSize
		if end > size {
			end = size
		}

		futures = append(futures, s.diskIO.WriteBlock(filePath, offset, data[offset:end]))
	}

	for _, future := range futures {
		if err := <-future; err != nil {
			log.Errorf("Failed to write %s: %v", filePath, err)
			return false
		}
	}

	s.mu.Lock()
	s.totalBytesWritten += uint64(size)
	s.mu.Unlock()

	s.trackFile(filePath, size)

	return true
}

func (s *StorageService) trackFile(filePath string, size int64) {
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	info, exists := s.files[filePath]
	if exists {
		info.Size = size
		info.ModifiedAt = now

		return
	}

	s.files[filePath] = &FileInfo{
		Path:       filePath,
		Size:       size,
		CreatedAt:  now,
		ModifiedAt: now,
		IsComplete: true,
	}
}

func (s *StorageService) readFile(filePath string, size int64) bool {
	f, err := os.Open(filePath)
	if err != nil {
		return false
	}
	defer f.Close()

	buf := make([]byte, size)

	n, err := f.Read(buf)
	if err != nil && n == 0 {
		log.Errorf("Failed to read %s: %v", filePath, err)
		return false
	}

	s.mu.Lock()
	s.totalBytesRead += uint64(n)
	s.mu.Unlock()

	return true
}

func (s *StorageService) deleteFile(filePath string) bool {
	err := os.Remove(filePath)
	if err != nil && !os.IsNotExist(err) {
		log.Errorf("Failed to delete %s: %v", filePath, err)
		return false
	}

	s.mu.Lock()
	delete(s.files, filePath)
	s.mu.Unlock()

	return true
}

// WriteFile enqueues a write. Oversized writes are rejected before
// enqueueing: the failure and total counters each advance by one and no file
// is created. Returns false when rejected.
func (s *StorageService) WriteFile(filePath string, data []byte) bool {
	s.mu.Lock()

	if s.queueClosed {
		s.mu.Unlock()
		log.Warn("Storage service is stopped, rejecting write")

		return false
	}

	if s.config.MaxFileSize > 0 && int64(len(data)) > s.config.MaxFileSize {
		s.failedOps++
		s.totalOperations++
		s.mu.Unlock()

		log.Warnf("File size %d exceeds maximum %d, rejecting write to %s", len(data), s.config.MaxFileSize, filePath)
		storageOperations.WithLabelValues("rejected").Inc()

		return false
	}

	if s.activeOperations >= storageQueueCapacity {
		s.mu.Unlock()
		log.Warn("Storage service at capacity")

		return false
	}

	s.activeOperations++
	storageOperationsActive.Set(float64(s.activeOperations))
	queue := s.queue
	s.mu.Unlock()

	queue <- StorageOperation{
		ID:        uuid.NewString(),
		Type:      OpWrite,
		FilePath:  filePath,
		Size:      int64(len(data)),
		Data:      data,
		Timestamp: time.Now(),
	}

	return true
}

// ReadFile enqueues a read of up to size bytes.
func (s *StorageService) ReadFile(filePath string, size int64) bool {
	return s.enqueueSimple(OpRead, filePath, size)
}

// DeleteFile enqueues a deletion.
func (s *StorageService) DeleteFile(filePath string) bool {
	return s.enqueueSimple(OpDelete, filePath, 0)
}

func (s *StorageService) enqueueSimple(opType OperationType, filePath string, size int64) bool {
	s.mu.Lock()

	if s.queueClosed {
		s.mu.Unlock()
		return false
	}

	if s.activeOperations >= storageQueueCapacity {
		s.mu.Unlock()
		log.Warn("Storage service at capacity")

		return false
	}

	s.activeOperations++
	storageOperationsActive.Set(float64(s.activeOperations))
	queue := s.queue
	s.mu.Unlock()

	queue <- StorageOperation{
		ID:        uuid.NewString(),
		Type:      opType,
		FilePath:  filePath,
		Size:      size,
		Timestamp: time.Now(),
	}

	return true
}

// GetFileInfo returns the tracked metadata for one file.
func (s *StorageService) GetFileInfo(filePath string) (FileInfo, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	info, exists := s.files[filePath]
	if !exists {
		return FileInfo{}, false
	}

	return *info, true
}

// ListFiles snapshots every tracked file.
func (s *StorageService) ListFiles() []FileInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]FileInfo, 0, len(s.files))
	for _, info := range s.files {
		out = append(out, *info)
	}

	return out
}

// StorageStats is the aggregate telemetry of the storage service.
type StorageStats struct {
	TotalFiles           int
	ActiveOperations     int
	TotalOperations      uint64
	SuccessfulOperations uint64
	FailedOperations     uint64
	TotalBytesWritten    uint64
	TotalBytesRead       uint64
	SuccessRate          float64
}

// Stats snapshots the aggregate counters.
func (s *StorageService) Stats() StorageStats {
	s.mu.Lock()
	defer s.mu.Unlock()

	total := s.totalOperations
	if total == 0 {
		total = 1
	}

	return StorageStats{
		TotalFiles:           len(s.files),
		ActiveOperations:     s.activeOperations,
		TotalOperations:      s.totalOperations,
		SuccessfulOperations: s.successfulOps,
		FailedOperations:     s.failedOps,
		TotalBytesWritten:    s.totalBytesWritten,
		TotalBytesRead:       s.totalBytesRead,
		SuccessRate:          float64(s.successfulOps) / float64(total),
	}
}

// DiskUsage summarizes the tracked files.
type DiskUsage struct {
	TotalSize       int64
	TotalFiles      int
	CompleteFiles   int
	IncompleteFiles int
	CompletionRate  float64
}

// GetDiskUsage aggregates the file table into a usage summary.
func (s *StorageService) GetDiskUsage() DiskUsage {
	s.mu.Lock()
	defer s.mu.Unlock()

	usage := DiskUsage{TotalFiles: len(s.files)}

	for _, info := range s.files {
		usage.TotalSize += info.Size

		if info.IsComplete {
			usage.CompleteFiles++
		}
	}

	usage.IncompleteFiles = usage.TotalFiles - usage.CompleteFiles

	files := usage.TotalFiles
	if files == 0 {
		files = 1
	}

	usage.CompletionRate = float64(usage.CompleteFiles) / float64(files)

	return usage
}
