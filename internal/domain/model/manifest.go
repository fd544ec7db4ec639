package model

// FileCopy — копирование файла внутри staging-директории транзакции.
type FileCopy struct {
	// Source — URI исходного файла в staging
	Source string `json:"source" yaml:"source"`
	// Target — URI назначения
	Target string `json:"target" yaml:"target"`
}

// Manifest — пакет операций копирования и удаления.
// Не сохраняется, применяется один раз.
type Manifest struct {
	FilesToCopy  []FileCopy `json:"filesToCopy" yaml:"filesToCopy"`
	UrisToDelete []string   `json:"urisToDelete" yaml:"urisToDelete"`
}

// Empty сообщает, что манифест не содержит операций.
func (m Manifest) Empty() bool {
	return len(m.FilesToCopy) == 0 && len(m.UrisToDelete) == 0
}
