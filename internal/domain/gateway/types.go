package gateway

import "time"

// EntityKind — тип Telegram-сущности.
type EntityKind string

const (
	KindUser    EntityKind = "user"
	KindChat    EntityKind = "chat"
	KindChannel EntityKind = "channel"
)

// Entity — разрешённая Telegram-сущность. Access hash остаётся внутри
// адаптера, домену достаточно id и вида.
type Entity struct {
	ID       int64
	Kind     EntityKind
	Title    string
	Username string
	Forum    bool // супергруппа с включёнными топиками
}

// MediaKind — вид вложения сообщения.
type MediaKind string

const (
	MediaPhoto     MediaKind = "photo"
	MediaVideo     MediaKind = "video"
	MediaDocument  MediaKind = "document"
	MediaAudio     MediaKind = "audio"
	MediaVoice     MediaKind = "voice"
	MediaVideoNote MediaKind = "video_note"
	MediaSticker   MediaKind = "sticker"
	MediaAnimation MediaKind = "animation"
	MediaContact   MediaKind = "contact"
	MediaLocation  MediaKind = "location"
	MediaPoll      MediaKind = "poll"
	MediaGame      MediaKind = "game"
	MediaWebPage   MediaKind = "webpage"
)

// FileInfo — файловая часть вложения. Для фото имя и MIME синтезируются
// адаптером, чтобы дедупликация покрывала и фотографии.
type FileInfo struct {
	ID   int64
	Name string
	Size int64
	MIME string
}

// MediaInfo — медийные атрибуты вложения.
type MediaInfo struct {
	Kind     MediaKind
	Duration int // секунды, для видео и аудио
	Width    int
	Height   int
}

// ReplyRef — ссылка на сообщение, на которое дан ответ. TopicID заполняется
// для сообщений внутри топиков форума.
type ReplyRef struct {
	MsgID   int
	TopicID int
}

// Message — сообщение в доменном представлении. ChannelID указывает канал
// происхождения: по паре (ChannelID, ID) адаптер умеет перечитать сообщение
// и скачать его вложение. SenderName заполняется по данным кэша пиров и
// может быть пустым.
type Message struct {
	ID         int
	ChannelID  int64
	Date       time.Time
	SenderID   int64
	SenderName string
	Text       string
	File       *FileInfo
	Media      *MediaInfo
	ReplyTo    *ReplyRef
}

// HasFile сообщает, несёт ли сообщение скачиваемое вложение.
func (m Message) HasFile() bool { return m.File != nil }

// MessageRef — адрес сообщения у получателя после доставки.
type MessageRef struct {
	ChannelID int64
	ID        int
}

// Topic — топик форума.
type Topic struct {
	ID          int
	Title       string
	IconColor   int
	IconEmojiID int64
	Closed      bool
	Date        time.Time
}

// TopicCursor — пагинация ListForumTopics. Нулевое значение означает
// первую страницу на входе и конец выборки на выходе.
type TopicCursor struct {
	OffsetDate  int
	OffsetID    int
	OffsetTopic int
}

// IsZero — курсор не указывает ни на какую позицию.
func (c TopicCursor) IsZero() bool { return c == TopicCursor{} }

// IterOptions — границы и порядок обхода истории.
type IterOptions struct {
	MinID     int  // выдавать только id > MinID
	MaxID     int  // 0 — без верхней границы
	Limit     int  // всего сообщений, 0 — без ограничения
	PageSize  int  // размер страницы RPC, 0 — значение по умолчанию
	Reverse   bool // true — от старых к новым (режим архивирования)
	MediaOnly bool // пропускать сообщения без вложений
	TopicID   int  // 0 — весь канал, иначе только указанный топик
}

// SendRequest — параметры исходящего сообщения. Пустой File означает
// текстовое сообщение; иначе файл загружается, а Text становится подписью.
type SendRequest struct {
	Text     string
	File     string // путь к локальному файлу
	FileName string
	MIME     string
	TopicID  int   // >0 — отправить в топик форума
	Silent   bool
	RandomID int64 // 0 — сгенерировать; фиксированный id делает отправку идемпотентной
}

// TopicRequest — параметры создания топика форума.
type TopicRequest struct {
	Title       string
	IconColor   int
	IconEmojiID int64
	RandomID    int64 // 0 — сгенерировать
}
