package assets

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/spaghettifunk/anima-rtx/engine/assets/loaders"
	"github.com/spaghettifunk/anima-rtx/engine/core"
	"github.com/spaghettifunk/anima-rtx/engine/scene"
)

// DefaultDebounce coalesces the bursts of events editors produce on save.
const DefaultDebounce = 100 * time.Millisecond

type AssetInfo struct {
	Path       string
	Type       loaders.ResourceType
	LastLoaded time.Time
	// Library is the shader library a loaded scene was compiled from.
	Library string
}

// AssetManager indexes the scene directory and reports scenes that need to be
// compiled again, either because the file or its shader library changed.
type AssetManager struct {
	assets  map[string]AssetInfo
	loaders map[loaders.ResourceType]Loader

	mutex sync.RWMutex

	Debounce time.Duration
	timers   map[string]*time.Timer

	done     chan struct{}
	stopped  chan struct{}
	fsnotify *fsnotify.Watcher
	isClosed bool
	started  bool
	changes  chan string
	errors   chan error
}

func NewAssetManager() (*AssetManager, error) {
	fsWatch, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	am := &AssetManager{
		assets:   make(map[string]AssetInfo),
		loaders:  make(map[loaders.ResourceType]Loader),
		Debounce: DefaultDebounce,
		timers:   make(map[string]*time.Timer),
		fsnotify: fsWatch,
		changes:  make(chan string, 16),
		errors:   make(chan error, 4),
		done:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
	am.registerLoader(loaders.ResourceTypeScene, &loaders.SceneLoader{})
	am.registerLoader(loaders.ResourceTypeShaderLibrary, &loaders.ShaderLoader{})
	return am, nil
}

func (am *AssetManager) Initialize(assetsDir string) error {
	if err := am.addRecursive(assetsDir); err != nil {
		return err
	}
	am.mutex.Lock()
	am.started = true
	am.mutex.Unlock()
	go am.start()
	core.LogInfo("watching %s for scene changes", assetsDir)
	return nil
}

// Changes delivers the path of every indexed scene that has to be reloaded.
func (am *AssetManager) Changes() <-chan string {
	return am.changes
}

func (am *AssetManager) Errors() <-chan error {
	return am.errors
}

// AddRecursive starts watching the named directory and all sub-directories.
func (am *AssetManager) addRecursive(name string) error {
	am.mutex.RLock()
	closed := am.isClosed
	am.mutex.RUnlock()
	if closed {
		return errors.New("asset manager already closed")
	}
	return am.watchRecursive(name, false)
}

func (am *AssetManager) registerLoader(assetType loaders.ResourceType, loader Loader) {
	am.loaders[assetType] = loader
}

// LoadScene reads a scene description. A file outside the watched directory
// is loaded but never reported as changed.
func (am *AssetManager) LoadScene(path string) (*scene.Description, error) {
	path = filepath.Clean(path)
	res, err := am.loaders[loaders.ResourceTypeScene].Load(path)
	if err != nil {
		return nil, err
	}
	desc := res.Data.(*scene.Description)

	am.mutex.Lock()
	defer am.mutex.Unlock()
	asset, exists := am.assets[path]
	if !exists {
		asset = AssetInfo{Path: path, Type: loaders.ResourceTypeScene}
	}
	asset.LastLoaded = time.Now()
	asset.Library = ""
	if desc.Library.Path != "" {
		lib := desc.Library.Path
		if !filepath.IsAbs(lib) {
			lib = filepath.Join(filepath.Dir(path), lib)
		}
		asset.Library = filepath.Clean(lib)
	}
	am.assets[path] = asset
	return desc, nil
}

// LoadLibrary reads a compiled shader library.
func (am *AssetManager) LoadLibrary(path string) ([]byte, error) {
	res, err := am.loaders[loaders.ResourceTypeShaderLibrary].Load(filepath.Clean(path))
	if err != nil {
		return nil, err
	}
	return res.Data.([]byte), nil
}

// Assets returns a snapshot of the index.
func (am *AssetManager) Assets() []AssetInfo {
	am.mutex.RLock()
	defer am.mutex.RUnlock()
	out := make([]AssetInfo, 0, len(am.assets))
	for _, a := range am.assets {
		out = append(out, a)
	}
	return out
}

func (am *AssetManager) Shutdown() {
	am.mutex.Lock()
	if am.isClosed {
		am.mutex.Unlock()
		return
	}
	am.isClosed = true
	for _, t := range am.timers {
		t.Stop()
	}
	started := am.started
	am.mutex.Unlock()

	close(am.done)
	if !started {
		am.fsnotify.Close()
		return
	}
	<-am.stopped
}

func (am *AssetManager) start() {
	defer close(am.stopped)
	for {
		select {
		case e, ok := <-am.fsnotify.Events:
			if !ok {
				return
			}
			name := filepath.Clean(e.Name)
			s, err := os.Stat(name)
			if err == nil && s != nil && s.IsDir() {
				if e.Op&fsnotify.Create != 0 {
					if err := am.watchRecursive(name, false); err != nil {
						core.LogWarn("cannot watch %s: %s", name, err)
					}
				}
				continue
			}
			if e.Op&(fsnotify.Create|fsnotify.Write) != 0 {
				am.handleFileEvent(name)
				am.schedule(name)
			}
			// A removed scene is dropped from the index; it stays compiled
			// until something else replaces it.
			if e.Op&fsnotify.Remove != 0 {
				am.removeAsset(name)
			}

		case err, ok := <-am.fsnotify.Errors:
			if !ok {
				return
			}
			core.LogError(err.Error())
			select {
			case am.errors <- err:
			default:
			}

		case <-am.done:
			am.fsnotify.Close()
			return
		}
	}
}

// watchRecursive adds all directories under the given one to the watch list
// and indexes the files found in them.
func (am *AssetManager) watchRecursive(path string, unWatch bool) error {
	return filepath.Walk(path, func(walkPath string, fi os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if fi.IsDir() {
			if unWatch {
				return am.fsnotify.Remove(walkPath)
			}
			return am.fsnotify.Add(walkPath)
		}
		am.handleFileEvent(filepath.Clean(walkPath))
		return nil
	})
}

func (am *AssetManager) handleFileEvent(path string) {
	am.mutex.Lock()
	defer am.mutex.Unlock()

	assetType := determineAssetType(path)
	if assetType == loaders.ResourceTypeNone {
		return
	}
	if _, exists := am.assets[path]; !exists {
		am.assets[path] = AssetInfo{Path: path, Type: assetType}
	}
}

// schedule reports the scenes affected by a change once the file settled.
func (am *AssetManager) schedule(path string) {
	am.mutex.Lock()
	defer am.mutex.Unlock()
	if am.isClosed {
		return
	}
	if t, ok := am.timers[path]; ok {
		t.Reset(am.Debounce)
		return
	}
	am.timers[path] = time.AfterFunc(am.Debounce, func() {
		am.mutex.Lock()
		delete(am.timers, path)
		affected := am.affectedLocked(path)
		closed := am.isClosed
		am.mutex.Unlock()
		if closed {
			return
		}
		for _, p := range affected {
			select {
			case am.changes <- p:
				core.LogDebug("scene %s changed", p)
			default:
				core.LogWarn("dropping change of %s, nobody is reloading", p)
			}
		}
	})
}

func (am *AssetManager) affectedLocked(path string) []string {
	asset, ok := am.assets[path]
	if !ok {
		return nil
	}
	switch asset.Type {
	case loaders.ResourceTypeScene:
		return []string{path}
	case loaders.ResourceTypeShaderLibrary:
		var scenes []string
		for _, a := range am.assets {
			if a.Type == loaders.ResourceTypeScene && a.Library == path {
				scenes = append(scenes, a.Path)
			}
		}
		return scenes
	}
	return nil
}

func (am *AssetManager) removeAsset(path string) {
	am.mutex.Lock()
	defer am.mutex.Unlock()

	delete(am.assets, path)
}

func determineAssetType(path string) loaders.ResourceType {
	switch filepath.Ext(path) {
	case ".toml":
		return loaders.ResourceTypeScene
	case ".dxil", ".cso":
		return loaders.ResourceTypeShaderLibrary
	default:
		return loaders.ResourceTypeNone
	}
}

func (info AssetInfo) String() string {
	return fmt.Sprintf("%s (%s)", info.Path, info.Type)
}
