package unityfs

import "fmt"

// Class IDs with special handling.
const (
	ClassGameObject    int32 = 1
	ClassTextAsset     int32 = 49
	ClassMonoBehaviour int32 = 114
	ClassMonoScript    int32 = 115
)

var classNames = map[int32]string{
	1:         "GameObject",
	2:         "Component",
	4:         "Transform",
	8:         "Behaviour",
	21:        "Material",
	23:        "MeshRenderer",
	25:        "Renderer",
	27:        "Texture",
	28:        "Texture2D",
	33:        "MeshFilter",
	43:        "Mesh",
	48:        "Shader",
	49:        "TextAsset",
	54:        "Rigidbody",
	65:        "BoxCollider",
	74:        "AnimationClip",
	82:        "AudioSource",
	83:        "AudioClip",
	89:        "Cubemap",
	90:        "Avatar",
	91:        "AnimatorController",
	95:        "Animator",
	114:       "MonoBehaviour",
	115:       "MonoScript",
	117:       "Texture3D",
	128:       "Font",
	141:       "BuildSettings",
	142:       "AssetBundle",
	147:       "ResourceManager",
	150:       "PreloadData",
	152:       "MovieTexture",
	156:       "TerrainData",
	159:       "EditorSettings",
	184:       "SubstanceArchive",
	212:       "SpriteRenderer",
	213:       "Sprite",
	221:       "AnimatorOverrideController",
	222:       "CanvasRenderer",
	223:       "Canvas",
	224:       "RectTransform",
	290:       "AssetBundleManifest",
	329:       "VideoClip",
	1113:      "LightmapParameters",
	687078895: "SpriteAtlas",
}

// namedClasses are the classes whose serialized layout starts with m_Name.
var namedClasses = map[int32]bool{
	21: true, 27: true, 28: true, 43: true, 48: true, 49: true, 74: true,
	83: true, 89: true, 90: true, 91: true, 115: true, 117: true, 128: true,
	142: true, 150: true, 152: true, 156: true, 213: true, 221: true,
	290: true, 329: true, 687078895: true,
}

// ClassName returns the Unity class name for id, or ClassID(<id>) when unknown.
func ClassName(id int32) string {
	if name, ok := classNames[id]; ok {
		return name
	}
	return fmt.Sprintf("ClassID(%d)", id)
}
