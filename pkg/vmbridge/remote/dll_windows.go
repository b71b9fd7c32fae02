package remote

import (
	"bytes"
	"fmt"
	"math"
	"path/filepath"
	"runtime"
	"sync"
	"syscall"
	"unsafe"

	"golang.org/x/sys/windows/registry"
)

// The remote DLL ships with the console and is not on the search path, so it
// is located through the console's uninstall entry.
const uninstallRegistryKey = `SOFTWARE\WOW6432Node\Microsoft\Windows\CurrentVersion\Uninstall\VB:Voicemeeter {17359A74-1236-5467}`

const (
	dllName32 = "VoicemeeterRemote.dll"
	dllName64 = "VoicemeeterRemote64.dll"

	// VBVMR_GetParameterStringA writes at most 512 bytes
	stringParamBufferSize = 512
)

type remoteDLL struct {
	login                 *syscall.LazyProc
	logout                *syscall.LazyProc
	getVoicemeeterVersion *syscall.LazyProc
	setParameterFloat     *syscall.LazyProc
	getParameterFloat     *syscall.LazyProc
	setParameterStringA   *syscall.LazyProc
	getParameterStringA   *syscall.LazyProc
	isParametersDirty     *syscall.LazyProc
}

var (
	loadDLLOnce sync.Once
	loadedDLL   *remoteDLL
	loadDLLErr  error
)

func loadRemoteDLL() (*remoteDLL, error) {
	loadDLLOnce.Do(func() {
		path, err := remoteDLLPath()
		if err != nil {
			loadDLLErr = err
			return
		}

		dll := syscall.NewLazyDLL(path)
		if err := dll.Load(); err != nil {
			loadDLLErr = fmt.Errorf("load console remote DLL (%s): %w", path, err)
			return
		}

		loadedDLL = &remoteDLL{
			login:                 dll.NewProc("VBVMR_Login"),
			logout:                dll.NewProc("VBVMR_Logout"),
			getVoicemeeterVersion: dll.NewProc("VBVMR_GetVoicemeeterVersion"),
			setParameterFloat:     dll.NewProc("VBVMR_SetParameterFloat"),
			getParameterFloat:     dll.NewProc("VBVMR_GetParameterFloat"),
			setParameterStringA:   dll.NewProc("VBVMR_SetParameterStringA"),
			getParameterStringA:   dll.NewProc("VBVMR_GetParameterStringA"),
			isParametersDirty:     dll.NewProc("VBVMR_IsParametersDirty"),
		}
	})

	return loadedDLL, loadDLLErr
}

func remoteDLLPath() (string, error) {
	dllName := dllName32
	if runtime.GOARCH == "amd64" || runtime.GOARCH == "arm64" {
		dllName = dllName64
	}

	key, err := registry.OpenKey(registry.LOCAL_MACHINE, uninstallRegistryKey, registry.QUERY_VALUE)
	if err != nil {
		// fall back to the regular DLL search path
		return dllName, nil
	}
	defer key.Close()

	uninstallString, _, err := key.GetStringValue("UninstallString")
	if err != nil {
		return dllName, nil
	}

	return filepath.Join(filepath.Dir(uninstallString), dllName), nil
}

// dllSession is a logged-in remote API session. The API allows a single login
// per process; Close logs out so that a later Dial can log in again.
type dllSession struct {
	dll *remoteDLL
}

// Dial logs into the console's remote API
func Dial() (Session, error) {
	dll, err := loadRemoteDLL()
	if err != nil {
		return nil, err
	}

	ret, _, _ := dll.login.Call()
	switch int32(ret) {
	case 0:
		// logged in, console running
	case 1:
		// logged in, but the console application isn't running yet; parameter
		// calls will fail until it is, and the retry machinery handles that
	default:
		return nil, fmt.Errorf("console login failed with code %d", int32(ret))
	}

	return &dllSession{dll: dll}, nil
}

func (s *dllSession) Version() (string, error) {
	var packed int32

	ret, _, _ := s.dll.getVoicemeeterVersion.Call(uintptr(unsafe.Pointer(&packed)))
	if int32(ret) != 0 {
		return "", fmt.Errorf("get console version failed with code %d", int32(ret))
	}

	return fmt.Sprintf("%d.%d.%d.%d",
		(packed>>24)&0xFF,
		(packed>>16)&0xFF,
		(packed>>8)&0xFF,
		packed&0xFF), nil
}

func (s *dllSession) SetFloat(param Param, value float32) error {
	name := cstring(param)

	// the Go runtime mirrors the first syscall arguments into the XMM
	// registers, so passing the raw float bits satisfies the C float ABI
	ret, _, _ := s.dll.setParameterFloat.Call(
		uintptr(unsafe.Pointer(&name[0])),
		uintptr(math.Float32bits(value)),
	)
	if int32(ret) != 0 {
		return fmt.Errorf("set parameter %s failed with code %d", param, int32(ret))
	}

	return nil
}

func (s *dllSession) GetFloat(param Param) (float32, error) {
	name := cstring(param)

	var value float32
	ret, _, _ := s.dll.getParameterFloat.Call(
		uintptr(unsafe.Pointer(&name[0])),
		uintptr(unsafe.Pointer(&value)),
	)
	if int32(ret) != 0 {
		return 0, fmt.Errorf("get parameter %s failed with code %d", param, int32(ret))
	}

	return value, nil
}

func (s *dllSession) SetString(param Param, value string) error {
	name := cstring(param)
	val := append([]byte(value), 0)

	ret, _, _ := s.dll.setParameterStringA.Call(
		uintptr(unsafe.Pointer(&name[0])),
		uintptr(unsafe.Pointer(&val[0])),
	)
	if int32(ret) != 0 {
		return fmt.Errorf("set parameter %s failed with code %d", param, int32(ret))
	}

	return nil
}

func (s *dllSession) GetString(param Param) (string, error) {
	name := cstring(param)

	buffer := make([]byte, stringParamBufferSize)
	ret, _, _ := s.dll.getParameterStringA.Call(
		uintptr(unsafe.Pointer(&name[0])),
		uintptr(unsafe.Pointer(&buffer[0])),
	)
	if int32(ret) != 0 {
		return "", fmt.Errorf("get parameter %s failed with code %d", param, int32(ret))
	}

	if end := bytes.IndexByte(buffer, 0); end >= 0 {
		buffer = buffer[:end]
	}

	return string(buffer), nil
}

func (s *dllSession) Dirty() (bool, error) {
	ret, _, _ := s.dll.isParametersDirty.Call()
	if int32(ret) < 0 {
		return false, fmt.Errorf("check dirty parameters failed with code %d", int32(ret))
	}

	return int32(ret) == 1, nil
}

func (s *dllSession) Close() error {
	ret, _, _ := s.dll.logout.Call()
	if int32(ret) != 0 {
		return fmt.Errorf("console logout failed with code %d", int32(ret))
	}

	return nil
}

func cstring(param Param) []byte {
	return append([]byte(param), 0)
}
